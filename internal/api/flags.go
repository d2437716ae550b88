package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vulnzero/machines/internal/domain"
	"github.com/vulnzero/machines/internal/flags"
	"github.com/vulnzero/machines/internal/identity"
)

// FlagHandler serves flag validation.
type FlagHandler struct {
	validator *flags.Validator
}

// NewFlagHandler creates a flag handler.
func NewFlagHandler(v *flags.Validator) *FlagHandler {
	return &FlagHandler{validator: v}
}

// RegisterRoutes registers flag routes.
func (h *FlagHandler) RegisterRoutes(r chi.Router) {
	r.Post("/flags/validate", h.Validate)
}

type validateBody struct {
	MachineID string `json:"machineId"`
	Flag      string `json:"flag"`
	Level     string `json:"level"`
	UserID    string `json:"userId"`
}

// Validate checks a submitted flag. A wrong flag is a normal outcome and
// answers 200 with ok:false.
func (h *FlagHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if err := decodeBody(w, r, &body); err != nil {
		failFlag(w, err)
		return
	}
	userID := body.UserID
	if userID == "" {
		userID = identity.UserIDFromContext(r.Context())
	}

	res, err := h.validator.Validate(r.Context(), flags.Submission{
		MachineID: body.MachineID,
		Level:     body.Level,
		Flag:      body.Flag,
		UserID:    userID,
	})
	if err != nil {
		failFlag(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"points":  res.Points,
		"level":   res.Level,
		"message": res.Message,
	})
}

func failFlag(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	JSON(w, StatusFor(kind), map[string]interface{}{
		"ok":    false,
		"kind":  kind,
		"error": domain.MessageOf(err),
	})
}
