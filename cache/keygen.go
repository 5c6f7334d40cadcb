package cache

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// UniqueName builds the persisted name for a kind and identity key.
func UniqueName(kind, key string) string {
	return kind + "_" + key
}

// KeyFor builds a stable identity key from a path and its parameters, so the
// same request always maps to the same record regardless of map order.
func KeyFor(path string, params map[string]string) string {
	var parts []string
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)

	if len(parts) > 0 {
		return fmt.Sprintf("%s?%s", path, strings.Join(parts, "&"))
	}
	return path
}

// dirPrefixLen bounds the readable part of a directory name.
const dirPrefixLen = 100

// DirName maps a unique name to a directory name. Names that sanitize to the
// same string still get distinct directories.
func DirName(uniqueName string) string {
	prefix := SanitizeName(uniqueName)
	if len(prefix) > dirPrefixLen {
		prefix = prefix[:dirPrefixLen]
	}
	return fmt.Sprintf("%s.%x", prefix, md5.Sum([]byte(uniqueName)))
}

// SanitizeName makes a unique name safe for use as a file or directory name.
func SanitizeName(name string) string {
	// For very long names, use hash to avoid filesystem limits
	if len(name) > 200 {
		hash := md5.Sum([]byte(name))
		return fmt.Sprintf("hash_%x", hash)
	}

	unsafe := []string{"/", "\\", ":", "?", "&", "=", "#", "<", ">", "|", "*", "\"", " "}
	result := name
	for _, char := range unsafe {
		result = strings.ReplaceAll(result, char, "_")
	}
	if result == "" || result == "." || result == ".." {
		hash := md5.Sum([]byte(name))
		return fmt.Sprintf("hash_%x", hash)
	}

	return result
}
