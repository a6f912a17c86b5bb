// Package web exposes plan previews, applies and run history over HTTP.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/service"
	"github.com/camuig/crypto-rebalancer/internal/storage"
)

// Planner is the part of the service the HTTP layer drives.
type Planner interface {
	Preview(ctx context.Context, overrides map[string]float64) (*service.Result, error)
	Run(ctx context.Context, apply bool) (*service.Result, error)
	Metrics() *service.Metrics
}

type Server struct {
	app      *fiber.App
	planner  Planner
	policies service.Policies
	repo     *storage.Repository
	account  string
	mode     string
	port     int
	logger   *logger.Logger
}

func NewServer(p Planner, policies service.Policies, repo *storage.Repository, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		planner:  p,
		policies: policies,
		repo:     repo,
		account:  cfg.Account,
		mode:     cfg.Mode,
		port:     cfg.Web.Port,
		logger:   log,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "crypto-rebalancer",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/plan", s.handlePlan)
	s.app.Post("/apply", s.requireKey(cfg.Web.APIKey), s.handleApply)
	s.app.Get("/runs", s.handleRuns)
	s.app.Get("/nav", s.handleNAV)
	s.app.Get("/nav/chart", s.handleNAVChart)
	s.app.Get("/metrics", s.handleMetrics)

	return s
}

// requireKey guards mutating routes with a bearer key. Without a configured
// key every request is refused.
func (s *Server) requireKey(key string) fiber.Handler {
	return keyauth.New(keyauth.Config{
		AuthScheme: "Bearer",
		Validator: func(_ *fiber.Ctx, got string) (bool, error) {
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				return false, keyauth.ErrMissingOrMalformedAPIKey
			}
			return true, nil
		},
		ErrorHandler: func(c *fiber.Ctx, _ error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	})
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.port)
	if err := s.app.Listen(fmt.Sprintf(":%d", s.port)); err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
