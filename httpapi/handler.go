package httpapi

import (
	"fmt"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Handler serves the /api/cortex routes.
type Handler struct {
	svc    *cortex.Service
	logger zerolog.Logger
}

// NewHandler creates a handler over svc.
func NewHandler(svc *cortex.Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r fiber.Router) {
	r.Post("/ensure-memory-space", h.EnsureMemorySpace)
	r.Post("/recall", h.Recall)
	r.Post("/remember", h.Remember)
	r.Post("/store-preference", h.StorePreference)
	r.Get("/facts/:id/history", h.FactHistory)
	r.Post("/contexts", h.CreateContext)
	r.Patch("/contexts/:id", h.UpdateContext)
	r.Post("/contexts/:id/grants", h.GrantContextAccess)
	r.Post("/conversations/:id/share", h.ShareConversation)
	r.Delete("/shares/:id", h.RevokeShare)
	r.Get("/shares/:token", h.AccessShare)
}

func parse(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	return nil
}

// spaceRef reads the addressed space from the userId and memorySpaceId query
// parameters, for routes without a body.
func spaceRef(c *fiber.Ctx) cortex.SpaceRef {
	return cortex.SpaceRef{UserID: c.Query("userId"), MemorySpaceID: c.Query("memorySpaceId")}
}

// EnsureMemorySpace returns the user's personal space
// POST /api/cortex/ensure-memory-space
func (h *Handler) EnsureMemorySpace(c *fiber.Ctx) error {
	var req api.EnsureSpaceRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "userId is required")
	}
	space, err := h.svc.EnsureMemorySpace(c.UserContext(), req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"memorySpaceId": space.MemorySpaceID,
		"memorySpace":   space,
	})
}

// Recall returns memories, facts and preferences relevant to a query. Failures return
// an empty result so the caller's turn can continue.
// POST /api/cortex/recall
func (h *Handler) Recall(c *fiber.Ctx) error {
	var req cortex.RecallInput
	if err := parse(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Recall(c.UserContext(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Recall failed, returning empty result")
		empty := cortex.Empty()
		empty.MemorySpaceID = req.MemorySpaceID
		empty.Degraded = true
		return c.JSON(empty)
	}
	return c.JSON(res)
}

// Remember commits an agent turn
// POST /api/cortex/remember
func (h *Handler) Remember(c *fiber.Ctx) error {
	var req cortex.RememberInput
	if err := parse(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Remember(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// preferenceRequest accepts metadata with any JSON values, as agent workers send them.
type preferenceRequest struct {
	UserID        string         `json:"userId"`
	MemorySpaceID string         `json:"memorySpaceId"`
	Category      string         `json:"category"`
	Preference    string         `json:"preference"`
	Negative      bool           `json:"negative"`
	Confidence    int            `json:"confidence"`
	Metadata      map[string]any `json:"metadata"`
}

// StorePreference records a stated preference
// POST /api/cortex/store-preference
func (h *Handler) StorePreference(c *fiber.Ctx) error {
	var req preferenceRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		if v != nil {
			meta[k] = fmt.Sprint(v)
		}
	}
	res, err := h.svc.StorePreference(c.UserContext(), cortex.PreferenceInput{
		UserID:        req.UserID,
		MemorySpaceID: req.MemorySpaceID,
		Category:      req.Category,
		Preference:    req.Preference,
		Negative:      req.Negative,
		Confidence:    req.Confidence,
		Metadata:      meta,
	})
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// FactHistory returns a fact's supersession chain and ledger
// GET /api/cortex/facts/:id/history?userId=...
func (h *Handler) FactHistory(c *fiber.Ctx) error {
	history, err := h.svc.GetFactHistory(c.UserContext(), spaceRef(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(history)
}

// CreateContext creates a context
// POST /api/cortex/contexts
func (h *Handler) CreateContext(c *fiber.Ctx) error {
	var req api.CreateContextRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	created, err := h.svc.CreateContext(c.UserContext(), req.SpaceRef, req.Input())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

// UpdateContext updates a context
// PATCH /api/cortex/contexts/:id
func (h *Handler) UpdateContext(c *fiber.Ctx) error {
	var req api.UpdateContextRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	updated, err := h.svc.UpdateContext(c.UserContext(), req.SpaceRef, c.Params("id"), req.Input(), req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(updated)
}

// GrantContextAccess grants another space access to a context
// POST /api/cortex/contexts/:id/grants
func (h *Handler) GrantContextAccess(c *fiber.Ctx) error {
	var req api.GrantAccessRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	grant, err := h.svc.GrantContextAccess(c.UserContext(), req.SpaceRef, c.Params("id"), req.TargetSpaceID, req.Access)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(grant)
}

// ShareConversation shares a conversation snapshot
// POST /api/cortex/conversations/:id/share
func (h *Handler) ShareConversation(c *fiber.Ctx) error {
	var req api.ShareRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	share, err := h.svc.ShareConversation(c.UserContext(), req.SpaceRef, c.Params("id"), req.Input())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(share)
}

// RevokeShare revokes a share
// DELETE /api/cortex/shares/:id?userId=...
func (h *Handler) RevokeShare(c *fiber.Ctx) error {
	if err := h.svc.RevokeShare(c.UserContext(), spaceRef(c), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(api.Ack{Success: true})
}

// AccessShare resolves a share token for the viewer named in the query string
// GET /api/cortex/shares/:token?userId=...&memorySpaceId=...&email=...
func (h *Handler) AccessShare(c *fiber.Ctx) error {
	req := api.AccessShareRequest{
		Token:         c.Params("token"),
		UserID:        c.Query("userId"),
		MemorySpaceID: c.Query("memorySpaceId"),
		Email:         c.Query("email"),
	}
	view, err := h.svc.AccessShare(c.UserContext(), req.Token, req.Viewer())
	if err != nil {
		return err
	}
	return c.JSON(view)
}
