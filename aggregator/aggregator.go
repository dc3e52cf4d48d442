// Package aggregator keeps the running DNS query statistics.
//
// Aggregator is plain synchronous code and must only be used by one goroutine
// at a time. Service owns an Aggregator and serializes ingestion, periodic
// maintenance and reads through a single command channel.
package aggregator

import (
	"sort"
	"time"

	"github.com/mr-karan/dnswatch/model"
)

// Config controls retention and view sizes.
type Config struct {
	Retention           time.Duration
	MaxPersistedRecords int
	RecentCapacity      int
	BucketInterval      time.Duration
	TimelineWindow      time.Duration
	TopN                int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Retention:           30 * 24 * time.Hour,
		MaxPersistedRecords: 10000,
		RecentCapacity:      100,
		BucketInterval:      time.Minute,
		TimelineWindow:      time.Hour,
		TopN:                20,
	}
}

// Aggregator holds the aggregate state.
type Aggregator struct {
	cfg Config

	total        int64
	domainCounts map[string]int64
	typeCounts   map[model.QueryType]int64
	buckets      map[int64]int64 // bucket start, unix seconds
	recent       []model.QueryRecord
	retained     []model.QueryRecord

	rateMark int64
	qps      float64
	peakQPS  float64
}

// New returns an empty aggregator.
func New(cfg Config) *Aggregator {
	a := &Aggregator{cfg: cfg}
	a.clear()
	return a
}

func (a *Aggregator) clear() {
	a.total = 0
	a.domainCounts = make(map[string]int64)
	a.typeCounts = make(map[model.QueryType]int64)
	a.buckets = make(map[int64]int64)
	a.recent = make([]model.QueryRecord, 0, a.cfg.RecentCapacity)
	a.retained = nil
	a.rateMark = 0
	a.qps = 0
	a.peakQPS = 0
}

// Ingest adds one decoded query.
func (a *Aggregator) Ingest(rec model.QueryRecord) {
	a.total++
	a.count(rec)
	a.retained = append(a.retained, rec)

	if a.cfg.RecentCapacity <= 0 {
		return
	}
	if len(a.recent) < a.cfg.RecentCapacity {
		a.recent = append(a.recent, model.QueryRecord{})
	}
	copy(a.recent[1:], a.recent)
	a.recent[0] = rec
}

func (a *Aggregator) count(rec model.QueryRecord) {
	a.domainCounts[rec.BaseDomain()]++
	a.typeCounts[rec.QueryType]++
	a.buckets[a.bucketOf(rec.Timestamp)]++
}

func (a *Aggregator) bucketOf(ts time.Time) int64 {
	return ts.Truncate(a.cfg.BucketInterval).Unix()
}

// Prune drops retained records older than the retention window, then the
// oldest records beyond MaxPersistedRecords, and rebuilds every derived
// table from the survivors. It returns the number of records removed.
func (a *Aggregator) Prune(now time.Time) int {
	before := len(a.retained)
	a.retained = a.filter(a.retained, now)
	a.recent = a.filterRecent(now)

	a.domainCounts = make(map[string]int64)
	a.typeCounts = make(map[model.QueryType]int64)
	a.buckets = make(map[int64]int64)
	for _, rec := range a.retained {
		a.count(rec)
	}
	return before - len(a.retained)
}

// filter applies the retention window and size cap to recs, keeping arrival
// order. The result does not share memory with recs.
func (a *Aggregator) filter(recs []model.QueryRecord, now time.Time) []model.QueryRecord {
	cutoff := now.Add(-a.cfg.Retention)
	out := make([]model.QueryRecord, 0, len(recs))
	for _, rec := range recs {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	if limit := a.cfg.MaxPersistedRecords; limit > 0 && len(out) > limit {
		out = append([]model.QueryRecord(nil), out[len(out)-limit:]...)
	}
	return out
}

func (a *Aggregator) filterRecent(now time.Time) []model.QueryRecord {
	cutoff := now.Add(-a.cfg.Retention)
	out := a.recent[:0]
	for _, rec := range a.recent {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// SnapshotRecords returns the records a snapshot should contain: the
// retained set after the same filtering Prune applies.
func (a *Aggregator) SnapshotRecords(now time.Time) []model.QueryRecord {
	return a.filter(a.retained, now)
}

// Rehydrate replaces all state with recs, oldest first, as loaded from a
// snapshot. The total starts at the number of records loaded.
func (a *Aggregator) Rehydrate(recs []model.QueryRecord, now time.Time) {
	a.clear()
	for _, rec := range recs {
		a.Ingest(rec)
	}
	a.Prune(now)
	a.total = int64(len(a.retained))
	a.rateMark = a.total
}

// Reset clears all state, including the cumulative total.
func (a *Aggregator) Reset() {
	a.clear()
}

// UpdateRate recomputes queries per second from the ingest count since the
// previous call.
func (a *Aggregator) UpdateRate(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	a.qps = float64(a.total-a.rateMark) / elapsed.Seconds()
	a.rateMark = a.total
	if a.qps > a.peakQPS {
		a.peakQPS = a.qps
	}
}

func (a *Aggregator) TotalQueries() int64 { return a.total }

func (a *Aggregator) Retained() int { return len(a.retained) }

func (a *Aggregator) QPS() float64 { return a.qps }

// DomainCount returns the count for a base domain.
func (a *Aggregator) DomainCount(base string) int64 {
	return a.domainCounts[base]
}

// TypeCount returns the count for a query type.
func (a *Aggregator) TypeCount(t model.QueryType) int64 {
	return a.typeCounts[t]
}

func (a *Aggregator) percentOf(n int64) float64 {
	if len(a.retained) == 0 {
		return 0
	}
	return float64(n) / float64(len(a.retained)) * 100
}

// TopDomains returns up to n base domains by count, highest first. Ties
// are ordered by name. n <= 0 returns every domain.
func (a *Aggregator) TopDomains(n int) []model.DomainStat {
	out := make([]model.DomainStat, 0, len(a.domainCounts))
	for d, c := range a.domainCounts {
		out = append(out, model.DomainStat{Domain: d, Count: c, Percentage: a.percentOf(c)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Domain < out[j].Domain
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// QueryTypes returns the query type distribution, highest count first.
func (a *Aggregator) QueryTypes() []model.TypeStat {
	out := make([]model.TypeStat, 0, len(a.typeCounts))
	for t, c := range a.typeCounts {
		out = append(out, model.TypeStat{Type: t, Count: c, Percentage: a.percentOf(c)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Timeline returns the buckets that start within TimelineWindow of now,
// oldest first.
func (a *Aggregator) Timeline(now time.Time) []model.TimelinePoint {
	from := now.Add(-a.cfg.TimelineWindow).Unix()
	out := make([]model.TimelinePoint, 0, len(a.buckets))
	for start, c := range a.buckets {
		if start < from {
			continue
		}
		out = append(out, model.TimelinePoint{Start: time.Unix(start, 0).UTC(), Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Recent returns up to n of the newest queries, newest first. n <= 0
// returns the whole list.
func (a *Aggregator) Recent(n int) []model.QueryRecord {
	if n <= 0 || n > len(a.recent) {
		n = len(a.recent)
	}
	return append([]model.QueryRecord(nil), a.recent[:n]...)
}

// Stats assembles every view at once.
func (a *Aggregator) Stats(now time.Time) model.Stats {
	return model.Stats{
		TotalQueries:  a.total,
		Retained:      len(a.retained),
		UniqueDomains: len(a.domainCounts),
		QPS:           a.qps,
		PeakQPS:       a.peakQPS,
		TopDomains:    a.TopDomains(a.cfg.TopN),
		QueryTypes:    a.QueryTypes(),
		Timeline:      a.Timeline(now),
		Recent:        a.Recent(0),
		GeneratedAt:   now,
	}
}
