package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerOptions controls the dashboard app. Basic auth is enabled only when
// both credentials are set.
type ServerOptions struct {
	AuthUser string
	AuthPass string
	Gatherer prometheus.Gatherer
}

// NewApp builds the fiber app serving the dashboard pages, the JSON API and
// the metrics endpoint.
func NewApp(api *API, opts ServerOptions) *fiber.App {
	app := fiber.New(fiber.Config{
		Views:                 Views(),
		DisableStartupMessage: true,
	})

	app.Use(cors.New())
	if opts.AuthUser != "" && opts.AuthPass != "" {
		app.Use(basicauth.New(basicauth.Config{
			Users: map[string]string{
				opts.AuthUser: opts.AuthPass,
			},
			Realm: "DNS Dashboard",
		}))
	}

	app.Get("/", Dashboard)
	app.Get("/logs", LogsPage)

	app.Get("/api/stats", api.ApiStats)
	app.Get("/api/query-types", api.ApiQueryTypes)
	app.Get("/api/top-domains", api.ApiTopDomains)
	app.Get("/api/recent-queries", api.ApiRecentQueries)
	app.Get("/api/timeline", api.ApiTimeline)
	app.Get("/api/logs", api.ApiLogs)
	app.Post("/api/reset", api.ApiReset)

	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return app
}
