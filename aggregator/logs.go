package aggregator

import (
	"strings"
	"time"

	"github.com/mr-karan/dnswatch/model"
)

// LogFilter selects a page of retained records.
type LogFilter struct {
	Domain    string // case-insensitive substring
	QueryType *model.QueryType
	From, To  time.Time // zero means unbounded
	Ascending bool
	Offset    int
	Limit     int
}

func (f LogFilter) match(rec model.QueryRecord) bool {
	if f.Domain != "" && !strings.Contains(strings.ToLower(rec.Domain), strings.ToLower(f.Domain)) {
		return false
	}
	if f.QueryType != nil && rec.QueryType != *f.QueryType {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Logs returns one page of retained records matching f in arrival order
// (newest first unless f.Ascending), plus the total number of matches.
func (a *Aggregator) Logs(f LogFilter) ([]model.QueryRecord, int) {
	var (
		page  []model.QueryRecord
		total int
	)
	visit := func(rec model.QueryRecord) {
		if !f.match(rec) {
			return
		}
		if total >= f.Offset && (f.Limit <= 0 || len(page) < f.Limit) {
			page = append(page, rec)
		}
		total++
	}

	if f.Ascending {
		for _, rec := range a.retained {
			visit(rec)
		}
	} else {
		for i := len(a.retained) - 1; i >= 0; i-- {
			visit(a.retained[i])
		}
	}
	return page, total
}
