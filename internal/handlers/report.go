package handlers

import (
	"github.com/gofiber/fiber/v2"

	"companion/internal/services"
)

// ReportHandler serves learning-cycle reports and lets operators run a cycle
// on demand.
type ReportHandler struct {
	overseer *services.OverseerService
}

// NewReportHandler creates a new report handler
func NewReportHandler(overseer *services.OverseerService) *ReportHandler {
	return &ReportHandler{overseer: overseer}
}

// List returns the retained report history, oldest first.
func (h *ReportHandler) List(c *fiber.Ctx) error {
	reports := h.overseer.Reports()
	return c.JSON(fiber.Map{
		"reports": reports,
		"count":   len(reports),
	})
}

// Latest returns the most recent report.
func (h *ReportHandler) Latest(c *fiber.Ctx) error {
	report := h.overseer.LatestReport()
	if report == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No learning cycle has run yet",
		})
	}
	return c.JSON(report)
}

// RunCycle executes one learning cycle synchronously and returns its report.
func (h *ReportHandler) RunCycle(c *fiber.Ctx) error {
	report, err := h.overseer.RunLearningCycle(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Learning cycle failed",
		})
	}
	return c.JSON(report)
}
