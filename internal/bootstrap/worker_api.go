package bootstrap

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"mailpilot_worker/adapter/in/http"
	"mailpilot_worker/config"
	"mailpilot_worker/infra/middleware"
	"mailpilot_worker/pkg/ratelimit"
)

// NewAPI builds the HTTP control surface on top of already constructed
// dependencies.
func NewAPI(cfg *config.Config, deps *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json for request and response bodies
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:          1 * 1024 * 1024,
		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// order matters
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// AllowCredentials requires explicit origins
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	healthChecks(deps).Register(app)

	api := app.Group("/api/v1", middleware.JWTAuth(cfg.JWTSecret, middleware.NewTokenBlacklist(deps.Redis)))

	pollLimiter := ratelimit.NewSlidingWindowLimiter(deps.Redis, "ratelimit:poll:", cfg.ManualPollLimit, cfg.ManualPollWindow)
	http.NewConnectionHandler(deps.Mailbox).
		WithSentHistory(deps.SentHistory).
		WithPollGuard(middleware.PerUserRateLimit(pollLimiter)).
		Register(api)

	var status http.PollStatusReader
	if deps.RedisPub != nil {
		status = deps.RedisPub
	}
	http.NewMonitoringHandler(deps.Mailbox, status).Register(api)
	http.NewNotificationHandler(deps.Notifier).Register(api)

	api.Get("/usage", func(c *fiber.Ctx) error {
		if deps.LLM == nil {
			return http.ErrorResponse(c, fiber.StatusServiceUnavailable, "reply generation not configured")
		}
		return http.SuccessResponse(c, deps.LLM.Costs().Stats())
	})

	return app
}

// healthChecks registers one readiness probe per backend; backends that are
// not configured are reported but never fail readiness.
func healthChecks(deps *Dependencies) *http.HealthHandler {
	h := http.NewHealthHandler()

	if deps.PgPool != nil {
		h.WithCheck("postgres", http.PingFunc(deps.PgPool.Ping))
	} else if deps.SQL != nil {
		h.WithCheck("sql", http.PingFunc(deps.SQL.PingContext))
	} else {
		h.WithCheck("sql", nil)
	}

	if deps.Redis != nil {
		h.WithCheck("redis", http.PingFunc(func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}))
	} else {
		h.WithCheck("redis", nil)
	}

	if deps.Mongo != nil {
		h.WithCheck("mongodb", http.PingFunc(func(ctx context.Context) error {
			return deps.Mongo.Ping(ctx, nil)
		}))
	} else {
		h.WithCheck("mongodb", nil)
	}

	if deps.Neo4j != nil {
		h.WithCheck("neo4j", http.PingFunc(deps.Neo4j.VerifyConnectivity))
	} else {
		h.WithCheck("neo4j", nil)
	}

	return h
}
