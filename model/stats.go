package model

import "time"

// Stats is a point-in-time view of the aggregate state.
type Stats struct {
	TotalQueries  int64           `json:"total_queries"`
	Retained      int             `json:"retained_queries"`
	UniqueDomains int             `json:"unique_domains"`
	QPS           float64         `json:"qps"`
	PeakQPS       float64         `json:"peak_qps"`
	TopDomains    []DomainStat    `json:"top_domains"`
	QueryTypes    []TypeStat      `json:"query_types"`
	Timeline      []TimelinePoint `json:"timeline"`
	Recent        []QueryRecord   `json:"recent_queries"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

type DomainStat struct {
	Domain     string  `json:"domain"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

type TypeStat struct {
	Type       QueryType `json:"type"`
	Count      int64     `json:"count"`
	Percentage float64   `json:"percentage"`
}

type TimelinePoint struct {
	Start time.Time `json:"time"`
	Count int64     `json:"count"`
}
