package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"companion/internal/models"
	"companion/internal/services"
)

// PatternHandler serves the crystallized pattern store: listing, stats,
// export/import and manual pruning.
type PatternHandler struct {
	learning *services.LearningService
}

// NewPatternHandler creates a new pattern handler
func NewPatternHandler(learning *services.LearningService) *PatternHandler {
	return &PatternHandler{learning: learning}
}

// List returns all stored patterns, optionally filtered by subject.
func (h *PatternHandler) List(c *fiber.Ctx) error {
	store := h.learning.Store()

	var patterns []*models.CrystallizedPattern
	var err error
	if subjectID := c.Query("subjectId"); subjectID != "" {
		patterns, err = store.PatternsBySubject(c.Context(), subjectID)
	} else {
		patterns, err = store.LoadPatterns(c.Context())
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load patterns",
		})
	}
	return c.JSON(fiber.Map{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

// Get returns one pattern by id.
func (h *PatternHandler) Get(c *fiber.Ctx) error {
	pattern, err := h.learning.Store().GetPattern(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Pattern not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load pattern",
		})
	}
	return c.JSON(pattern)
}

// Delete removes one pattern by id.
func (h *PatternHandler) Delete(c *fiber.Ctx) error {
	if err := h.learning.Store().DeletePattern(c.Context(), c.Params("id")); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete pattern",
		})
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// Stats returns the aggregated store view.
func (h *PatternHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.learning.Store().Stats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute stats",
		})
	}
	return c.JSON(stats)
}

// Export returns the full pattern set as a self-describing document.
func (h *PatternHandler) Export(c *fiber.Ctx) error {
	doc, err := h.learning.Store().Export(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to export patterns",
		})
	}
	return c.JSON(doc)
}

// Import upserts patterns from an export document.
func (h *PatternHandler) Import(c *fiber.Ctx) error {
	var doc models.PatternExport
	if err := c.BodyParser(&doc); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid export document",
		})
	}
	if doc.FormatVersion != models.ExportFormatVersion {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unsupported export format version",
		})
	}
	count, err := h.learning.Store().Import(c.Context(), &doc)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":    "Import failed",
			"imported": count,
		})
	}
	return c.JSON(fiber.Map{"imported": count})
}

// PruneStale deletes patterns unused past the configured threshold.
func (h *PatternHandler) PruneStale(c *fiber.Ctx) error {
	days := c.QueryInt("days", h.learning.Options().StaleThresholdDays)
	if days < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "days must be >= 1",
		})
	}
	deleted := h.learning.PruneStalePatterns(c.Context(), days)
	return c.JSON(fiber.Map{
		"deleted": deleted,
		"count":   len(deleted),
	})
}
