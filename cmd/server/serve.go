package main

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taleforge/api/internal/handler"
	"github.com/taleforge/api/internal/middleware"
	"github.com/taleforge/api/internal/service"
	ws "github.com/taleforge/api/internal/websocket"
	"github.com/taleforge/api/pkg/response"
)

var serveWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API and the live progress websocket.

Workers run in the same process unless --workers=false is given, in which
case progress from separate worker processes arrives over Redis.

Examples:
  taleforge serve
  taleforge serve --workers=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newStack(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		cfg, log := a.cfg, a.log

		hub := ws.NewHub(log)
		go hub.Run()
		go hub.Relay(ctx, a.redis)

		if serveWorkers {
			stop, err := a.startWorkers(hub)
			if err != nil {
				return err
			}
			defer stop()
		}

		uploads := service.NewUploadService(a.storage)
		personalizations := a.personalizationService(uploads)
		regenerations := service.NewRegenerationService(a.jobs, a.manifests, a.resolver, uploads, a.dispatcher, log)

		personalizationHandler := handler.NewPersonalizationHandler(personalizations, regenerations, validator.New())

		// Auth: gateway headers or legacy HS256 tokens
		var authenticate fiber.Handler
		if cfg.Gateway.Enabled {
			authenticate = middleware.GatewayAuthMiddleware()
			log.Info().Msg("Gateway auth enabled, reading X-User-* headers")
		} else {
			authenticate = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
		}
		rateLimiter := middleware.NewRateLimiter(a.redis)

		app := fiber.New(fiber.Config{
			ErrorHandler: customErrorHandler,
			BodyLimit:    20 * 1024 * 1024, // 20MB
		})

		app.Use(recover.New())
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
		app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept,Authorization",
		}))

		app.Get("/health", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"status": "ok"})
		})
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

		api := app.Group("/api", authenticate)
		personalizationHandler.Register(api,
			rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour),
			rateLimiter.RegenerateLimit(cfg.RateLimit.RegeneratePerHour),
			middleware.RequireInternalToken(cfg.JWT.InternalToken),
		)

		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
			hub.HandleConnection(c, c.Params("jobId"))
		}))

		go func() {
			<-ctx.Done()
			log.Info().Msg("Shutting down server...")
			if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("Server shutdown error")
			}
		}()

		addr := ":" + cfg.Server.Port
		log.Info().Str("addr", addr).Msg("Server starting")
		return app.Listen(addr)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", true, "run task workers in this process")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
