package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// FileProvider stores each record as a file. Records for one unique name
// share a directory named by DirName; the metadata is encoded in the file
// name, and the directory carries a marker file holding the original unique
// name.
type FileProvider struct {
	dir string
}

const (
	nameMarker = ".name"
	recordExt  = ".bin"
)

var _ Provider = (*FileProvider)(nil)

// DefaultDir returns the default cache directory, ~/.refreshcache.
func DefaultDir() (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return filepath.Join(usr.HomeDir, ".refreshcache"), nil
}

// NewFileProvider creates a file-based provider rooted at dir.
// If dir is empty, uses DefaultDir.
func NewFileProvider(dir string) (*FileProvider, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileProvider{dir: dir}, nil
}

// Dir returns the root directory.
func (fp *FileProvider) Dir() string { return fp.dir }

// Read implements Reader.
func (fp *FileProvider) Read(_ context.Context, item ItemInfo) ([]byte, error) {
	data, err := os.ReadFile(fp.path(item))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", item.UniqueName, err)
	}
	return data, nil
}

// Write implements Writer.
func (fp *FileProvider) Write(_ context.Context, item ItemInfo, data []byte) error {
	if data == nil {
		return ErrNoData
	}
	dir := fp.nameDir(item.UniqueName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, nameMarker), []byte(item.UniqueName)); err != nil {
		return err
	}
	return writeAtomic(fp.path(item), data)
}

// Delete implements Writer. Deleting a missing record is not an error.
func (fp *FileProvider) Delete(_ context.Context, item ItemInfo) error {
	err := os.Remove(fp.path(item))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Items implements Lister.
func (fp *FileProvider) Items(_ context.Context, uniqueName string) ([]ItemInfo, error) {
	dir := fp.nameDir(uniqueName)
	owner, err := os.ReadFile(filepath.Join(dir, nameMarker))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if string(owner) != uniqueName {
		return nil, nil
	}
	return fp.itemsIn(dir, uniqueName)
}

// List implements Lister.
func (fp *FileProvider) List(_ context.Context) ([]ItemInfo, error) {
	dirs, err := os.ReadDir(fp.dir)
	if err != nil {
		return nil, err
	}
	var out []ItemInfo
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(fp.dir, d.Name())
		name, err := os.ReadFile(filepath.Join(dir, nameMarker))
		if err != nil {
			continue
		}
		items, err := fp.itemsIn(dir, string(name))
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// Close implements Provider.
func (fp *FileProvider) Close() error { return nil }

func (fp *FileProvider) itemsIn(dir, uniqueName string) ([]ItemInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []ItemInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		item, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		item.UniqueName = uniqueName
		out = append(out, item)
	}
	return out, nil
}

// nameDir generates the directory holding records for a unique name
func (fp *FileProvider) nameDir(uniqueName string) string {
	return filepath.Join(fp.dir, DirName(uniqueName))
}

// path generates the full filesystem path for a record
func (fp *FileProvider) path(item ItemInfo) string {
	return filepath.Join(fp.nameDir(item.UniqueName), fileName(item))
}

func fileName(item ItemInfo) string {
	flag := "r"
	if item.Optimized {
		flag = "o"
	}
	return fmt.Sprintf("%d_%d_%s_%s%s",
		TimeToUnixMillis(item.UpdatedAt),
		TimeToUnixMillis(item.ExpiresAt),
		flag,
		hex.EncodeToString([]byte(item.ETag)),
		recordExt,
	)
}

func parseFileName(name string) (ItemInfo, bool) {
	parts := strings.SplitN(strings.TrimSuffix(name, recordExt), "_", 4)
	if len(parts) != 4 {
		return ItemInfo{}, false
	}
	updated, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ItemInfo{}, false
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ItemInfo{}, false
	}
	etag, err := hex.DecodeString(parts[3])
	if err != nil {
		return ItemInfo{}, false
	}
	return ItemInfo{
		UpdatedAt: UnixMillisToTime(updated),
		ExpiresAt: UnixMillisToTime(expires),
		Optimized: parts[2] == "o",
		ETag:      string(etag),
	}, true
}

// writeAtomic writes to a temporary file first, then renames it into place.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
