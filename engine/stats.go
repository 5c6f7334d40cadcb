package engine

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"
)

// Timing summarizes a set of measured durations.
type Timing struct {
	Count int64
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
}

func (t *Timing) add(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
}

// Avg returns the mean duration, or zero when nothing was measured.
func (t Timing) Avg() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// Sizes summarizes payload sizes in bytes.
type Sizes struct {
	Count int64
	Min   int64
	Max   int64
	Total int64
}

func (s *Sizes) add(n int64) {
	if s.Count == 0 || n < s.Min {
		s.Min = n
	}
	if n > s.Max {
		s.Max = n
	}
	s.Count++
	s.Total += n
}

// Avg returns the mean size, or zero when nothing was measured.
func (s Sizes) Avg() int64 {
	if s.Count == 0 {
		return 0
	}
	return s.Total / s.Count
}

// EntryStats is a snapshot of one entry's counters.
type EntryStats struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`

	Requests       int64 `json:"requests"`
	CacheHits      int64 `json:"cache_hits"`
	Fetches        int64 `json:"fetches"`
	FetchFailures  int64 `json:"fetch_failures"`
	DecodeFailures int64 `json:"decode_failures"`
	Updates        int64 `json:"updates"`

	FetchTime  Timing `json:"fetch_time"`
	DecodeTime Timing `json:"decode_time"`
	UpdateTime Timing `json:"update_time"`
	DataSize   Sizes  `json:"data_size"`
}

// CacheHitRatio is the share of requests answered from a cached value.
func (s EntryStats) CacheHitRatio() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.Requests)
}

func (s *EntryStats) merge(o EntryStats) {
	s.Requests += o.Requests
	s.CacheHits += o.CacheHits
	s.Fetches += o.Fetches
	s.FetchFailures += o.FetchFailures
	s.DecodeFailures += o.DecodeFailures
	s.Updates += o.Updates
	mergeTiming(&s.FetchTime, o.FetchTime)
	mergeTiming(&s.DecodeTime, o.DecodeTime)
	mergeTiming(&s.UpdateTime, o.UpdateTime)
	if o.DataSize.Count > 0 {
		if s.DataSize.Count == 0 || o.DataSize.Min < s.DataSize.Min {
			s.DataSize.Min = o.DataSize.Min
		}
		s.DataSize.Max = max(s.DataSize.Max, o.DataSize.Max)
		s.DataSize.Count += o.DataSize.Count
		s.DataSize.Total += o.DataSize.Total
	}
}

func mergeTiming(dst *Timing, o Timing) {
	if o.Count == 0 {
		return
	}
	if dst.Count == 0 || o.Min < dst.Min {
		dst.Min = o.Min
	}
	dst.Max = max(dst.Max, o.Max)
	dst.Count += o.Count
	dst.Total += o.Total
}

// entryStats collects counters for one entry. Counters are always kept;
// timings and sizes only when detailed is set.
type entryStats struct {
	mu       sync.Mutex
	detailed bool
	s        EntryStats
}

func newEntryStats(kind, id string, detailed bool) *entryStats {
	return &entryStats{detailed: detailed, s: EntryStats{Kind: kind, ID: id}}
}

func (es *entryStats) request() {
	es.mu.Lock()
	es.s.Requests++
	es.mu.Unlock()
}

func (es *entryStats) cacheHit() {
	es.mu.Lock()
	es.s.CacheHits++
	es.mu.Unlock()
}

func (es *entryStats) fetched(d time.Duration, size int) {
	es.mu.Lock()
	es.s.Fetches++
	if es.detailed {
		es.s.FetchTime.add(d)
		es.s.DataSize.add(int64(size))
	}
	es.mu.Unlock()
}

func (es *entryStats) fetchFailed() {
	es.mu.Lock()
	es.s.FetchFailures++
	es.mu.Unlock()
}

func (es *entryStats) decoded(d time.Duration) {
	if !es.detailed {
		return
	}
	es.mu.Lock()
	es.s.DecodeTime.add(d)
	es.mu.Unlock()
}

func (es *entryStats) decodeFailed() {
	es.mu.Lock()
	es.s.DecodeFailures++
	es.mu.Unlock()
}

func (es *entryStats) updated(d time.Duration) {
	es.mu.Lock()
	es.s.Updates++
	if es.detailed {
		es.s.UpdateTime.add(d)
	}
	es.mu.Unlock()
}

func (es *entryStats) snapshot(reset bool) EntryStats {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := es.s
	if reset {
		es.s = EntryStats{Kind: out.Kind, ID: out.ID}
	}
	return out
}

// Report groups entry statistics per kind.
type Report struct {
	Entries []EntryStats          `json:"entries"`
	Kinds   map[string]EntryStats `json:"kinds"`
	Total   EntryStats            `json:"total"`
}

func buildReport(entries []EntryStats) Report {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].ID < entries[j].ID
	})
	r := Report{Entries: entries, Kinds: make(map[string]EntryStats)}
	for _, e := range entries {
		k := r.Kinds[e.Kind]
		k.Kind = e.Kind
		k.merge(e)
		r.Kinds[e.Kind] = k
		r.Total.merge(e)
	}
	return r
}

// WriteTo renders the report as an aligned text table.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tID\tREQUESTS\tHIT%\tFETCHES\tFETCH ERR\tDECODE ERR\tUPDATES\tAVG FETCH\tAVG SIZE")
	row := func(kind, id string, s EntryStats) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f\t%d\t%d\t%d\t%d\t%s\t%d\n",
			kind, id, s.Requests, 100*s.CacheHitRatio(), s.Fetches, s.FetchFailures,
			s.DecodeFailures, s.Updates, s.FetchTime.Avg().Round(time.Millisecond), s.DataSize.Avg())
	}
	var kinds []string
	for k := range r.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		for _, e := range r.Entries {
			if e.Kind == k {
				row(k, e.ID, e)
			}
		}
		row(k, "*", r.Kinds[k])
	}
	row("*", "*", r.Total)
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
