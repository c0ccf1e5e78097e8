package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"companion/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	autonomy *services.AutonomyService
	learning *services.LearningService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(autonomy *services.AutonomyService, learning *services.LearningService) *HealthHandler {
	return &HealthHandler{autonomy: autonomy, learning: learning}
}

// Handle responds with engine health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "healthy",
		"autonomy":     h.autonomy.Enabled(),
		"actions":      len(h.autonomy.Actions()),
		"observations": h.learning.ObservationLog().Len(),
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}
