package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulnzero/machines/internal/domain"
	"github.com/vulnzero/machines/internal/identity"
	"github.com/vulnzero/machines/internal/lifecycle"
	"github.com/vulnzero/machines/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// MachineHandler serves the session lifecycle endpoints.
type MachineHandler struct {
	mgr     *lifecycle.Manager
	journal store.Repository
	status  http.Handler

	// provisioning prevents concurrent provisioning for the same user.
	provisioning userGuard
}

// userGuard admits one holder per user. A key is present exactly while
// its holder runs, so acquire and release are each a single atomic map
// operation.
type userGuard struct {
	held sync.Map // userID -> *struct{}
}

// tryAcquire claims userID and returns the matching release func, or false
// if another holder is active.
func (g *userGuard) tryAcquire(userID string) (func(), bool) {
	token := new(struct{})
	if _, loaded := g.held.LoadOrStore(userID, token); loaded {
		return nil, false
	}
	return func() { g.held.CompareAndDelete(userID, token) }, true
}

// NewMachineHandler creates a machine handler. statusStream, when non-nil,
// serves the websocket status route.
func NewMachineHandler(mgr *lifecycle.Manager, journal store.Repository, statusStream http.Handler) *MachineHandler {
	if journal == nil {
		journal = store.Nop{}
	}
	return &MachineHandler{mgr: mgr, journal: journal, status: statusStream}
}

// RegisterRoutes registers machine routes.
func (h *MachineHandler) RegisterRoutes(r chi.Router) {
	r.Route("/machines", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/request", h.Request)
		r.Post("/release", h.Release)
		r.Get("/status", h.Status)
		r.Get("/history", h.History)
		if h.status != nil {
			r.Method(http.MethodGet, "/status/ws", h.status)
		}
	})
}

type machineView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	Ports []int  `json:"ports"`
}

// List returns the machine catalog without flag secrets.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	machines := h.mgr.Catalog().List()
	out := make([]machineView, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineView{ID: m.ID, Name: m.Name, Image: m.Image, Ports: m.ExposedPorts})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"machines": out})
}

type requestBody struct {
	MachineTypeID string `json:"machineTypeId"`
	UserID        string `json:"userId"`
}

type requestResponse struct {
	OK               bool                  `json:"ok"`
	SessionID        string                `json:"sessionId"`
	AccessAddress    string                `json:"accessAddress"`
	SSHPort          int                   `json:"sshPort"`
	Credentials      lifecycle.Credentials `json:"credentials"`
	TimeLimitSeconds int64                 `json:"timeLimitSeconds"`
	Ports            map[string]int        `json:"ports"`
	ExpiresAt        time.Time             `json:"expiresAt"`
}

// Request provisions a new lab session.
func (h *MachineHandler) Request(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := decodeBody(w, r, &body); err != nil {
		Fail(w, err)
		return
	}
	userID := body.UserID
	if userID == "" {
		userID = identity.UserIDFromContext(r.Context())
	}
	if userID != "" && !identity.IsValidUserID(userID) {
		Fail(w, domain.NewError(domain.KindValidation, "invalid userId", nil))
		return
	}

	if userID != "" {
		release, ok := h.provisioning.tryAcquire(userID)
		if !ok {
			slog.Warn("Provisioning already in progress", "user_id", userID)
			JSON(w, http.StatusConflict, map[string]interface{}{
				"ok":      false,
				"kind":    "provisioning_in_progress",
				"message": "provisioning in progress",
			})
			return
		}
		defer release()
	}

	slog.Info("Machine requested", "user_id", userID, "machine_type_id", body.MachineTypeID, "ip", identity.IPFromRequest(r))
	prov, err := h.mgr.Request(r.Context(), body.MachineTypeID, userID)
	if err != nil {
		Fail(w, err)
		return
	}

	ports := make(map[string]int, len(prov.Ports))
	for containerPort, hostPort := range prov.Ports {
		ports[strconv.Itoa(containerPort)] = hostPort
	}
	JSON(w, http.StatusOK, requestResponse{
		OK:               true,
		SessionID:        prov.SessionID,
		AccessAddress:    prov.AccessAddress,
		SSHPort:          prov.SSHPort,
		Credentials:      prov.Credentials,
		TimeLimitSeconds: int64(prov.TimeLimit.Seconds()),
		Ports:            ports,
		ExpiresAt:        prov.ExpiresAt.UTC(),
	})
}

type releaseBody struct {
	SessionID string `json:"sessionId"`
}

// Release tears down a lab session.
func (h *MachineHandler) Release(w http.ResponseWriter, r *http.Request) {
	var body releaseBody
	if err := decodeBody(w, r, &body); err != nil {
		Fail(w, err)
		return
	}
	if err := h.mgr.Release(r.Context(), body.SessionID); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Status reports a session's derived state. Unknown sessions are reported
// inactive rather than as an error.
func (h *MachineHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		Fail(w, domain.NewError(domain.KindValidation, "sessionId is required", nil))
		return
	}
	status, ok := h.mgr.Status(r.Context(), sessionID)
	if !ok {
		JSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	JSON(w, http.StatusOK, status.View())
}

// History lists a user's recent sessions from the journal.
func (h *MachineHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = identity.UserIDFromContext(r.Context())
	}
	if userID == "" || !identity.IsValidUserID(userID) {
		Fail(w, domain.NewError(domain.KindValidation, "userId is required", nil))
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Fail(w, domain.NewError(domain.KindValidation, "limit must be a positive integer", err))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.journal.ListUserSessions(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list session history", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if records == nil {
		records = []domain.SessionRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}
