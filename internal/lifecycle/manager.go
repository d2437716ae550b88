// Package lifecycle provisions, tracks and tears down lab sessions.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vulnzero/machines/internal/catalog"
	"github.com/vulnzero/machines/internal/container"
	"github.com/vulnzero/machines/internal/domain"
	"github.com/vulnzero/machines/internal/metrics"
	"github.com/vulnzero/machines/internal/ports"
	"github.com/vulnzero/machines/internal/session"
	"github.com/vulnzero/machines/internal/store"
)

const (
	defaultRuntimeTimeout = 30 * time.Second
	defaultSSHUser        = "hacker"
	containerNamePrefix   = "vulnzero-"
)

// Environment variables injected into every lab container.
const (
	EnvUserFlag    = "USER_FLAG"
	EnvRootFlag    = "ROOT_FLAG"
	EnvSSHUser     = "SSH_USER"
	EnvSSHPassword = "SSH_PASSWORD"
)

// TeardownCallback is called after a session has been removed.
type TeardownCallback func(sessionID string)

// Options wires a Manager to its collaborators.
type Options struct {
	Catalog  *catalog.Catalog
	Registry *session.Registry
	Ports    *ports.Allocator
	Runtime  container.Runtime
	Journal  store.Repository    // optional
	Metrics  *metrics.Collectors // optional

	SessionTTL     time.Duration
	RuntimeTimeout time.Duration
	AccessAddress  string
	SSHUser        string
	Now            func() time.Time
}

// Manager orchestrates the catalog, port allocator, runtime and registry.
type Manager struct {
	catalog  *catalog.Catalog
	registry *session.Registry
	ports    *ports.Allocator
	runtime  container.Runtime
	journal  store.Repository
	metrics  *metrics.Collectors

	ttl            time.Duration
	runtimeTimeout time.Duration
	accessAddress  string
	sshUser        string
	now            func() time.Time

	mu         sync.RWMutex
	onTeardown []TeardownCallback

	// pending holds sessions between container create and registry commit.
	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// Credentials are the cosmetic SSH credentials handed to the trainee.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// Provisioned describes a freshly created session.
type Provisioned struct {
	SessionID     string
	AccessAddress string
	SSHPort       int
	Credentials   Credentials
	TimeLimit     time.Duration
	Ports         map[int]int
	ExpiresAt     time.Time
}

// NewManager validates opts and creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil || opts.Registry == nil || opts.Ports == nil || opts.Runtime == nil {
		return nil, fmt.Errorf("catalog, registry, ports and runtime are required")
	}
	m := &Manager{
		catalog:        opts.Catalog,
		registry:       opts.Registry,
		ports:          opts.Ports,
		runtime:        opts.Runtime,
		journal:        opts.Journal,
		metrics:        opts.Metrics,
		ttl:            opts.SessionTTL,
		runtimeTimeout: opts.RuntimeTimeout,
		accessAddress:  opts.AccessAddress,
		sshUser:        opts.SSHUser,
		now:            opts.Now,
		pending:        make(map[string]struct{}),
	}
	if m.journal == nil {
		m.journal = store.Nop{}
	}
	if m.ttl <= 0 {
		m.ttl = domain.DefaultSessionDuration
	}
	if m.runtimeTimeout <= 0 {
		m.runtimeTimeout = defaultRuntimeTimeout
	}
	if m.sshUser == "" {
		m.sshUser = defaultSSHUser
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// OnTeardown registers fn to run after every successful teardown.
func (m *Manager) OnTeardown(fn TeardownCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTeardown = append(m.onTeardown, fn)
}

// Request provisions a new session of machineTypeID for userID. The
// capacity slot and host ports are held from the first check until the
// session is registered or the attempt fails.
func (m *Manager) Request(ctx context.Context, machineTypeID, userID string) (*Provisioned, error) {
	if machineTypeID == "" || userID == "" {
		return nil, domain.NewError(domain.KindValidation, "machineTypeId and userId are required", nil)
	}

	res, err := m.registry.Reserve()
	if err != nil {
		m.metrics.SessionRequested(machineTypeID, string(domain.KindOf(err)))
		slog.Warn("Session request rejected, pool at capacity", "user_id", userID, "machine_type_id", machineTypeID)
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			res.Cancel()
		}
	}()

	prov, err := m.provision(ctx, res, machineTypeID, userID)
	if err != nil {
		m.metrics.SessionRequested(machineTypeID, string(domain.KindOf(err)))
		return nil, err
	}
	committed = true
	m.metrics.SessionRequested(machineTypeID, "ok")
	m.metrics.SetActive(m.registry.Count())
	return prov, nil
}

func (m *Manager) provision(ctx context.Context, res *session.Reservation, machineTypeID, userID string) (*Provisioned, error) {
	machine, ok := m.catalog.Lookup(machineTypeID)
	if !ok {
		return nil, domain.NewError(domain.KindUnknownMachineType, "invalid machine type", nil)
	}

	sessionID := uuid.NewString()
	m.setPending(sessionID, true)
	defer m.setPending(sessionID, false)

	hostPorts, err := m.ports.Allocate(len(machine.ExposedPorts), sessionID)
	if err != nil {
		slog.Error("Failed to allocate host ports", "error", err, "session_id", sessionID)
		return nil, err
	}
	portsReleased := false
	releasePorts := func() {
		if !portsReleased {
			portsReleased = true
			m.ports.Release(hostPorts)
		}
	}

	password, err := generatePassword()
	if err != nil {
		releasePorts()
		return nil, domain.NewError(domain.KindProvisioningFailed, "failed to provision machine", err)
	}

	bindings := make(map[int]int, len(machine.ExposedPorts))
	for i, containerPort := range machine.ExposedPorts {
		bindings[containerPort] = hostPorts[i]
	}
	userFlag, _ := machine.Flag(domain.LevelUser)
	rootFlag, _ := machine.Flag(domain.LevelRoot)

	spec := container.CreateSpec{
		Name:  containerNamePrefix + sessionID,
		Image: machine.Image,
		Ports: bindings,
		Env: map[string]string{
			EnvUserFlag:    userFlag,
			EnvRootFlag:    rootFlag,
			EnvSSHUser:     m.sshUser,
			EnvSSHPassword: password,
		},
		Labels: map[string]string{
			container.LabelSession: sessionID,
			container.LabelMachine: machine.ID,
		},
	}

	slog.Info("Provisioning machine", "session_id", sessionID, "user_id", userID, "machine_type_id", machine.ID, "image", machine.Image)

	callCtx, cancel := m.runtimeContext(ctx)
	handle, err := m.runtime.Create(callCtx, spec)
	cancel()
	if err != nil {
		slog.Error("Failed to create container", "error", err, "session_id", sessionID, "image", machine.Image)
		// A timed-out create may still have produced a container; remove it by name.
		m.discardContainer(ctx, spec.Name)
		releasePorts()
		return nil, domain.NewError(domain.KindProvisioningFailed, "failed to provision machine", err)
	}

	s := domain.Session{
		ID:            sessionID,
		UserID:        userID,
		MachineTypeID: machine.ID,
		ContainerID:   handle,
		HostPorts:     bindings,
		StartedAt:     m.now(),
		MaxDuration:   m.ttl,
	}
	if err := res.Commit(s); err != nil {
		m.discardContainer(ctx, handle)
		releasePorts()
		return nil, domain.NewError(domain.KindProvisioningFailed, "failed to register session", err)
	}

	m.recordJournal(ctx, "record session start", sessionID, func(jctx context.Context) error {
		return m.journal.RecordSessionStart(jctx, s)
	})

	slog.Info("Machine provisioned", "session_id", sessionID, "user_id", userID, "container_id", handle, "ssh_port", s.SSHPort())
	return &Provisioned{
		SessionID:     sessionID,
		AccessAddress: m.accessAddress,
		SSHPort:       s.SSHPort(),
		Credentials:   Credentials{User: m.sshUser, Password: password},
		TimeLimit:     m.ttl,
		Ports:         s.Clone().HostPorts,
		ExpiresAt:     s.ExpiresAt(),
	}, nil
}

// Release tears down a session on the caller's behalf. An unknown session
// yields SessionNotFound; a failed teardown leaves the session registered.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return domain.NewError(domain.KindValidation, "sessionId is required", nil)
	}
	return m.teardown(ctx, sessionID, domain.EndReasonReleased)
}

// Status computes the derived state of a session. The second result is
// false when the session is not registered.
func (m *Manager) Status(ctx context.Context, sessionID string) (domain.SessionStatus, bool) {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return domain.SessionStatus{Active: false}, false
	}

	remaining := s.Remaining(m.now())

	callCtx, cancel := m.runtimeContext(ctx)
	defer cancel()
	runtimeStatus, err := m.runtime.Inspect(callCtx, s.ContainerID)
	switch {
	case errors.Is(err, container.ErrNotFound):
		runtimeStatus = domain.RuntimeGone
	case err != nil:
		slog.Warn("Failed to inspect container", "error", err, "session_id", sessionID, "container_id", s.ContainerID)
		runtimeStatus = domain.RuntimeUnknown
	}

	return domain.SessionStatus{
		Active:        remaining > 0 && runtimeStatus == domain.RuntimeRunning,
		Remaining:     remaining,
		RuntimeStatus: runtimeStatus,
	}, true
}

// Session returns a copy of a registered session.
func (m *Manager) Session(sessionID string) (domain.Session, bool) {
	return m.registry.Get(sessionID)
}

// Stats reports registry occupancy.
func (m *Manager) Stats() session.Stats {
	return m.registry.Stats()
}

// Catalog returns the machine catalog.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// ReapExpired tears down every session whose time-to-live has elapsed and
// returns how many were removed. Failures are logged and the session stays
// registered for the next sweep.
func (m *Manager) ReapExpired(ctx context.Context) int {
	expired := m.registry.Expired(m.now())
	if len(expired) == 0 {
		return 0
	}

	slog.Info("Reaper found expired sessions", "count", len(expired))

	reaped := 0
	for _, s := range expired {
		if ctx.Err() != nil {
			break
		}
		err := m.teardown(ctx, s.ID, domain.EndReasonExpired)
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, domain.ErrSessionNotFound):
			slog.Debug("Expired session already released", "session_id", s.ID)
		default:
			slog.Error("Reaper failed to tear down session, will retry",
				"error", err,
				"session_id", s.ID,
				"container_id", s.ContainerID)
		}
	}

	slog.Info("Reaper sweep completed", "reaped", reaped, "expired", len(expired))
	return reaped
}

// SweepOrphans removes lab containers that belong to no registered or
// in-flight session, such as one whose create outlived its request. It
// returns how many were removed.
func (m *Manager) SweepOrphans(ctx context.Context) int {
	sweeper, ok := m.runtime.(container.Sweeper)
	if !ok {
		return 0
	}
	callCtx, cancel := m.runtimeContext(ctx)
	defer cancel()
	removed, err := sweeper.RemoveUnknown(callCtx, m.knownSession)
	if err != nil {
		slog.Warn("Orphan sweep failed", "error", err)
	}
	if removed > 0 {
		slog.Info("Orphaned lab containers removed", "count", removed)
	}
	return removed
}

// knownSession checks pending before the registry. A session leaves pending
// only after it is committed, so a live session always passes one check.
func (m *Manager) knownSession(sessionID string) bool {
	m.pendingMu.Lock()
	_, inFlight := m.pending[sessionID]
	m.pendingMu.Unlock()
	if inFlight {
		return true
	}
	_, ok := m.registry.Get(sessionID)
	return ok
}

func (m *Manager) setPending(sessionID string, on bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if on {
		m.pending[sessionID] = struct{}{}
	} else {
		delete(m.pending, sessionID)
	}
}

// Drain tears down every registered session. It is used on shutdown since
// the registry does not survive a restart.
func (m *Manager) Drain(ctx context.Context) int {
	drained := 0
	for _, s := range m.registry.List() {
		if err := m.teardown(ctx, s.ID, domain.EndReasonShutdown); err != nil {
			if !errors.Is(err, domain.ErrSessionNotFound) {
				slog.Error("Failed to tear down session during shutdown", "error", err, "session_id", s.ID)
			}
			continue
		}
		drained++
	}
	return drained
}

// teardown is the single removal path shared by release, reap and drain.
// The registry lease serializes concurrent callers; the loser observes the
// session gone. Ports are returned only by the caller whose removal took effect.
func (m *Manager) teardown(ctx context.Context, sessionID, reason string) error {
	lease, ok := m.registry.Acquire(sessionID)
	if !ok {
		return domain.NewError(domain.KindSessionNotFound, "session not found", nil)
	}

	s := lease.Session()
	if err := m.destroyContainer(ctx, s.ContainerID); err != nil {
		lease.Unlock()
		m.metrics.SessionTornDown(reason, string(domain.KindTeardownFailed))
		return domain.NewError(domain.KindTeardownFailed, "failed to release machine", err)
	}

	removed := lease.Remove()
	if removed {
		m.ports.Release(s.HostPortList())
	}
	lease.Unlock()

	if !removed {
		return domain.NewError(domain.KindSessionNotFound, "session not found", nil)
	}

	m.metrics.SessionTornDown(reason, "ok")
	m.metrics.SetActive(m.registry.Count())
	m.recordJournal(ctx, "record session end", sessionID, func(jctx context.Context) error {
		return m.journal.RecordSessionEnd(jctx, sessionID, m.now(), reason)
	})

	m.mu.RLock()
	callbacks := append([]TeardownCallback(nil), m.onTeardown...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(sessionID)
	}

	slog.Info("Session torn down", "session_id", sessionID, "user_id", s.UserID, "reason", reason)
	return nil
}

// destroyContainer stops then removes a container. A container that is
// already gone counts as destroyed.
func (m *Manager) destroyContainer(ctx context.Context, handle string) error {
	stopCtx, cancel := m.runtimeContext(ctx)
	err := m.runtime.Stop(stopCtx, handle)
	cancel()
	if err != nil {
		if errors.Is(err, container.ErrNotFound) {
			slog.Debug("Container already stopped/removed", "container_id", handle)
		} else {
			// Removal is forced, so a failed stop is not fatal yet.
			slog.Debug("Container stop returned error, continuing to remove", "container_id", handle, "error", err)
		}
	}

	removeCtx, cancel := m.runtimeContext(ctx)
	defer cancel()
	if err := m.runtime.Remove(removeCtx, handle); err != nil {
		if errors.Is(err, container.ErrNotFound) {
			slog.Debug("Container already removed", "container_id", handle)
			return nil
		}
		return err
	}
	return nil
}

// discardContainer removes a container that never made it into the registry.
func (m *Manager) discardContainer(ctx context.Context, handle string) {
	callCtx, cancel := m.runtimeContext(ctx)
	defer cancel()
	if err := m.runtime.Remove(callCtx, handle); err != nil && !errors.Is(err, container.ErrNotFound) {
		slog.Warn("Failed to discard unregistered container", "container_id", handle, "error", err)
	}
}

// runtimeContext bounds a runtime call. It ignores the caller's
// cancellation so a dropped HTTP request cannot abandon a half-finished
// create or teardown.
func (m *Manager) runtimeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.runtimeTimeout)
}

func (m *Manager) recordJournal(ctx context.Context, op, sessionID string, write func(context.Context) error) {
	jctx, cancel := m.runtimeContext(ctx)
	defer cancel()
	if err := write(jctx); err != nil {
		slog.Warn("Failed to write session history", "op", op, "session_id", sessionID, "error", err)
	}
}

func generatePassword() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
