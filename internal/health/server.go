// Package health exposes a report-only HTTP endpoint with the controller's
// last-known status. It owns no state the controller depends on.
package health

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/autouam/autouam/internal/controller"
)

// Server serves /healthz and /status from controller snapshots.
type Server struct {
	app    *fiber.App
	ctrl   *controller.Controller
	logger *zap.Logger
}

// New creates the health server.
func New(ctrl *controller.Controller, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		ctrl:   ctrl,
		logger: logger,
	}

	app.Get("/healthz", s.handleHealthz)
	app.Get("/status", s.handleStatus)

	return s
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	if reason := s.ctrl.DegradedReason(); reason != "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"reason": reason,
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := s.ctrl.Status()
	return c.JSON(fiber.Map{
		"is_enabled":     st.IsEnabled,
		"enabled_at":     st.EnabledAt,
		"disabled_at":    st.DisabledAt,
		"last_check":     st.LastCheck,
		"load_average":   st.LoadAverage,
		"threshold_used": st.ThresholdUsed,
		"reason":         st.Reason,
	})
}

// Start begins listening on the given port. Blocks until Shutdown.
func (s *Server) Start(port int) error {
	s.logger.Info("Health endpoint listening", zap.Int("port", port))
	return s.app.Listen(fmt.Sprintf(":%d", port))
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
