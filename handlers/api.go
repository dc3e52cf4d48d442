package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mr-karan/dnswatch/aggregator"
	"github.com/mr-karan/dnswatch/model"
)

const (
	requestTimeout = 5 * time.Second

	// maxLogPage keeps (page-1)*limit far from int overflow.
	maxLogPage = 1 << 20
)

// StatsSource is the read side of the aggregator.
type StatsSource interface {
	Stats(ctx context.Context) (model.Stats, error)
	TopDomains(ctx context.Context, n int) ([]model.DomainStat, error)
	QueryTypes(ctx context.Context) ([]model.TypeStat, error)
	Timeline(ctx context.Context) ([]model.TimelinePoint, error)
	Recent(ctx context.Context, n int) ([]model.QueryRecord, error)
	Logs(ctx context.Context, f aggregator.LogFilter) ([]model.QueryRecord, int, error)
	Reset(ctx context.Context) error
}

// API serves the JSON endpoints.
type API struct {
	src  StatsSource
	topN int
	log  *zap.Logger
}

func NewAPI(src StatsSource, topN int, log *zap.Logger) *API {
	return &API{src: src, topN: topN, log: log}
}

func (a *API) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func (a *API) fail(c *fiber.Ctx, err error) error {
	a.log.Warn("api request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
}

// clampLimit reads ?limit= with a default and an upper bound.
func clampLimit(c *fiber.Ctx, def, maxLimit int) int {
	limit := c.QueryInt("limit", def)
	if limit <= 0 {
		limit = def
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func (a *API) ApiStats(c *fiber.Ctx) error {
	ctx, cancel := a.ctx(c)
	defer cancel()

	stats, err := a.src.Stats(ctx)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(stats)
}

func (a *API) ApiTopDomains(c *fiber.Ctx) error {
	ctx, cancel := a.ctx(c)
	defer cancel()

	top, err := a.src.TopDomains(ctx, clampLimit(c, a.topN, 1000))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(top)
}

func (a *API) ApiQueryTypes(c *fiber.Ctx) error {
	ctx, cancel := a.ctx(c)
	defer cancel()

	types, err := a.src.QueryTypes(ctx)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(types)
}

func (a *API) ApiTimeline(c *fiber.Ctx) error {
	ctx, cancel := a.ctx(c)
	defer cancel()

	points, err := a.src.Timeline(ctx)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(points)
}

func (a *API) ApiRecentQueries(c *fiber.Ctx) error {
	ctx, cancel := a.ctx(c)
	defer cancel()

	recent, err := a.src.Recent(ctx, clampLimit(c, 50, 1000))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(recent)
}

func (a *API) ApiLogs(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	if page > maxLogPage {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "page out of range"})
	}
	limit := clampLimit(c, 50, 500)

	f := aggregator.LogFilter{
		Domain:    strings.TrimSpace(c.Query("domain")),
		Ascending: strings.ToLower(strings.TrimSpace(c.Query("order", "desc"))) == "asc",
		Offset:    (page - 1) * limit,
		Limit:     limit,
	}
	if qtype := strings.TrimSpace(c.Query("type")); qtype != "" {
		var t model.QueryType
		if err := t.UnmarshalText([]byte(strings.ToUpper(qtype))); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		f.QueryType = &t
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := strings.TrimSpace(c.Query(p.name))
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid " + p.name + ": " + err.Error()})
		}
		*p.dst = ts
	}

	ctx, cancel := a.ctx(c)
	defer cancel()

	results, total, err := a.src.Logs(ctx, f)
	if err != nil {
		return a.fail(c, err)
	}
	if results == nil {
		results = []model.QueryRecord{}
	}
	return c.JSON(fiber.Map{
		"data":  results,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (a *API) ApiReset(c *fiber.Ctx) error {
	ctx, cancel := a.ctx(c)
	defer cancel()

	if err := a.src.Reset(ctx); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
