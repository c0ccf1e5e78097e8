package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"companion/internal/models"
	"companion/internal/services"
)

// AutonomyHandler serves the action registry, the approval queue and the
// live context snapshot.
type AutonomyHandler struct {
	autonomy *services.AutonomyService
	monitor  *services.ContextMonitor
}

// NewAutonomyHandler creates a new autonomy handler
func NewAutonomyHandler(autonomy *services.AutonomyService, monitor *services.ContextMonitor) *AutonomyHandler {
	return &AutonomyHandler{autonomy: autonomy, monitor: monitor}
}

// Actions lists the registered autonomous actions.
func (h *AutonomyHandler) Actions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"enabled": h.autonomy.Enabled(),
		"actions": h.autonomy.Actions(),
	})
}

// SetEnabled flips the engine master switch.
func (h *AutonomyHandler) SetEnabled(c *fiber.Ctx) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	h.autonomy.SetEnabled(body.Enabled)
	return c.JSON(fiber.Map{"enabled": body.Enabled})
}

// SetActionEnabled flips one action's enabled flag.
func (h *AutonomyHandler) SetActionEnabled(c *fiber.Ctx) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := h.autonomy.SetActionEnabled(c.Params("id"), body.Enabled); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Action not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update action",
		})
	}
	return c.JSON(fiber.Map{"id": c.Params("id"), "enabled": body.Enabled})
}

// Trigger fires an action manually through the full gate chain.
func (h *AutonomyHandler) Trigger(c *fiber.Ctx) error {
	if err := h.autonomy.TriggerNow(c.Params("id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Action not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to trigger action",
		})
	}
	return c.JSON(fiber.Map{"triggered": c.Params("id")})
}

// Approvals lists parked requests, oldest first.
func (h *AutonomyHandler) Approvals(c *fiber.Ctx) error {
	approvals := h.autonomy.PendingApprovals()
	return c.JSON(fiber.Map{
		"approvals": approvals,
		"count":     len(approvals),
	})
}

// Approve executes a parked request.
func (h *AutonomyHandler) Approve(c *fiber.Ctx) error {
	if err := h.autonomy.Approve(c.Params("id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Approval not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to approve",
		})
	}
	return c.JSON(fiber.Map{"approved": c.Params("id")})
}

// Reject drops a parked request.
func (h *AutonomyHandler) Reject(c *fiber.Ctx) error {
	if err := h.autonomy.Reject(c.Params("id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Approval not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reject",
		})
	}
	return c.JSON(fiber.Map{"rejected": c.Params("id")})
}

// Context returns the live system context snapshot.
func (h *AutonomyHandler) Context(c *fiber.Ctx) error {
	return c.JSON(h.monitor.Context())
}

// UpdateContext merges a partial context update from the robot feed.
func (h *AutonomyHandler) UpdateContext(c *fiber.Ctx) error {
	var partial map[string]interface{}
	if err := c.BodyParser(&partial); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	h.monitor.UpdateContext(partial)
	return c.JSON(h.monitor.Context())
}
