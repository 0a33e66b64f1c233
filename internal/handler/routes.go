package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/nyxel/api/internal/middleware"
	ws "github.com/nyxel/api/internal/websocket"
)

// Routes collects everything mounted by Register. Hub and RateLimiter may be nil.
type Routes struct {
	Auth           fiber.Handler
	RateLimiter    *middleware.RateLimiter
	GeneratePerMin int
	StatusPerMin   int
	Generate       *GenerateHandler
	Credits        *CreditHandler
	Verify         *AuthHandler
	Hub            *ws.Hub
}

// Register mounts the API on app
func Register(app *fiber.App, r Routes) {
	if r.Verify != nil {
		// ForwardAuth verification endpoint (internal, called by Traefik)
		app.Get("/auth/verify", r.Verify.Verify)
	}

	generateLimit, statusLimit := passThrough, passThrough
	if r.RateLimiter != nil {
		generateLimit = r.RateLimiter.GenerateLimit(r.GeneratePerMin)
		statusLimit = r.RateLimiter.StatusLimit(r.StatusPerMin)
	}

	api := app.Group("/api", r.Auth)

	api.Post("/generate", generateLimit, r.Generate.Generate)
	api.Get("/generate/status", statusLimit, r.Generate.Status)
	api.Get("/generate/pending", r.Generate.Pending)

	api.Get("/generations", r.Generate.History)
	api.Get("/models", r.Generate.Models)

	credits := api.Group("/credits")
	credits.Get("/balance", r.Credits.Balance)
	credits.Post("/settle", r.Credits.Settle)

	if r.Hub == nil {
		return
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:ref", websocket.New(func(c *websocket.Conn) {
		r.Hub.HandleConnection(c, c.Params("ref"))
	}))
}

func passThrough(c *fiber.Ctx) error {
	return c.Next()
}
