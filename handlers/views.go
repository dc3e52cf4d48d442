package handlers

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
)

//go:embed views/*.html
var viewsFS embed.FS

// Views returns the template engine for the embedded pages.
func Views() *html.Engine {
	sub, err := fs.Sub(viewsFS, "views")
	if err != nil {
		// The embed pattern guarantees the directory exists.
		panic(err)
	}
	return html.NewFileSystem(http.FS(sub), ".html")
}

func Dashboard(c *fiber.Ctx) error {
	return c.Render("dashboard", fiber.Map{
		"Title": "DNS Query Dashboard",
	})
}

func LogsPage(c *fiber.Ctx) error {
	return c.Render("logs", fiber.Map{
		"Title": "Query Logs",
	})
}
