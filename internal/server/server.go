package server

import (
	"geotrack/internal/auth"
	"geotrack/internal/config"
	"geotrack/internal/db"
	"geotrack/internal/geofences"
	"geotrack/internal/ingest"
	"geotrack/internal/stream"

	"cdr.dev/slog/v3"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Server
	DB       db.Querier
	Redis    *redis.Client
	Stream   *stream.Hub
	Registry *prometheus.Registry
	Logger   slog.Logger
}

func NewServer(cfg config.Server, pg db.Querier, redisClient *redis.Client, log slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       pg,
		Redis:    redisClient,
		Stream:   stream.NewHub(redisClient, log),
		Registry: prometheus.NewRegistry(),
		Logger:   log.Named("server"),
	}

	if err := registerRoutes(s); err != nil {
		s.Stream.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the stream hub. The fiber app is shut down by the caller.
func (s *Server) Close() {
	s.Stream.Close()
}

func registerRoutes(s *Server) error {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	metrics, err := ingest.NewMetrics(s.Registry)
	if err != nil {
		return xerrors.Errorf("register ingest metrics: %w", err)
	}
	if s.Cfg.MetricsEnabled {
		s.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))
	}

	keys := auth.NewService(s.Cfg.KeySecret)
	keyMiddleware := auth.KeyMiddleware(keys)
	fences := geofences.NewService(s.DB)
	tracks := ingest.NewService(s.DB, fences, s.Stream, s.Logger).WithMetrics(metrics)

	v1 := s.App.Group("/v1")
	auth.RegisterRoutes(v1, keys)
	geofences.RegisterRoutes(v1.Group("/geofences"), fences, keyMiddleware)
	ingest.RegisterRoutes(v1, tracks, keyMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, keyMiddleware)
	return nil
}
