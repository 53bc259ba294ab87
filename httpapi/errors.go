package httpapi

import (
	"errors"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/gofiber/fiber/v2"
)

func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch core.KindOf(err) {
	case core.KindNotFound:
		return fiber.StatusNotFound
	case core.KindInvalidInput:
		return fiber.StatusBadRequest
	case core.KindIsolationViolation:
		return fiber.StatusForbidden
	case core.KindConflict, core.KindInvariantViolation:
		return fiber.StatusConflict
	case core.KindUpstreamUnavailable:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// errorHandler renders every error as {"success": false, "error": ..., "kind": ...}.
// Internal errors are not echoed to the caller.
func errorHandler(c *fiber.Ctx, err error) error {
	status := statusOf(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	body := fiber.Map{"success": false, "error": msg}
	if kind := core.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	return c.Status(status).JSON(body)
}
