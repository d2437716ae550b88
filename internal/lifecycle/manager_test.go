package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vulnzero/machines/internal/catalog"
	"github.com/vulnzero/machines/internal/container"
	"github.com/vulnzero/machines/internal/container/containertest"
	"github.com/vulnzero/machines/internal/domain"
	"github.com/vulnzero/machines/internal/ports"
	"github.com/vulnzero/machines/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	mgr     *Manager
	runtime *containertest.Runtime
	ports   *ports.Allocator
	clock   *fakeClock
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	return newHarnessWithTimeout(t, capacity, time.Second)
}

func newHarnessWithTimeout(t *testing.T, capacity int, runtimeTimeout time.Duration) *harness {
	t.Helper()
	cat, err := catalog.New([]domain.MachineType{
		{
			ID:           "01",
			Image:        "zephius/vulnnet",
			ExposedPorts: []int{22},
			Flags:        map[domain.Level]string{domain.LevelUser: "u-flag", domain.LevelRoot: "r-flag"},
		},
		{
			ID:           "web",
			Image:        "vulnzero/web",
			ExposedPorts: []int{22, 80},
			Flags:        map[domain.Level]string{domain.LevelUser: "u2", domain.LevelRoot: "r2"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	alloc, err := ports.NewAllocator(20000, 40000)
	if err != nil {
		t.Fatal(err)
	}
	rt := containertest.New()
	clock := newFakeClock()
	mgr, err := NewManager(Options{
		Catalog:        cat,
		Registry:       session.NewRegistry(capacity),
		Ports:          alloc,
		Runtime:        rt,
		SessionTTL:     7200 * time.Second,
		RuntimeTimeout: runtimeTimeout,
		AccessAddress:  "labs.example.test",
		Now:            clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{mgr: mgr, runtime: rt, ports: alloc, clock: clock}
}

func TestRequestProvisionsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)

	prov, err := h.mgr.Request(context.Background(), "web", "user-1")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if prov.SessionID == "" || prov.AccessAddress != "labs.example.test" {
		t.Fatalf("unexpected result %+v", prov)
	}
	if prov.TimeLimit != 7200*time.Second {
		t.Errorf("expected 7200s time limit, got %s", prov.TimeLimit)
	}
	if prov.Credentials.User != "hacker" || len(prov.Credentials.Password) != 10 {
		t.Errorf("unexpected credentials %+v", prov.Credentials)
	}
	if prov.SSHPort != prov.Ports[22] || len(prov.Ports) != 2 {
		t.Errorf("unexpected ports %v ssh=%d", prov.Ports, prov.SSHPort)
	}

	s, ok := h.mgr.Session(prov.SessionID)
	if !ok {
		t.Fatal("expected session to be registered")
	}
	c, ok := h.runtime.Get(s.ContainerID)
	if !ok {
		t.Fatal("expected container to exist")
	}
	if c.Spec.Env[EnvRootFlag] != "r2" || c.Spec.Env[EnvUserFlag] != "u2" {
		t.Errorf("flags not injected: %v", c.Spec.Env)
	}
	if c.Spec.Env[EnvSSHPassword] != prov.Credentials.Password {
		t.Error("password not injected")
	}
	if c.Spec.Labels[container.LabelSession] != prov.SessionID {
		t.Error("session label missing")
	}
	if h.ports.InUse() != 2 {
		t.Errorf("expected 2 ports in use, got %d", h.ports.InUse())
	}
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)

	if _, err := h.mgr.Request(context.Background(), "", "u"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := h.mgr.Request(context.Background(), "nope", "u"); !errors.Is(err, domain.ErrUnknownMachineType) {
		t.Fatalf("expected UnknownMachineType, got %v", err)
	}
	// The rejected request must not keep the only slot.
	if _, err := h.mgr.Request(context.Background(), "01", "u"); err != nil {
		t.Fatalf("expected slot to be free: %v", err)
	}
}

func TestConcurrentRequestsUpToCapacity(t *testing.T) {
	t.Parallel()
	const capacity = 10
	h := newHarness(t, capacity)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*Provisioned
	)
	for i := 0; i < capacity; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prov, err := h.mgr.Request(context.Background(), "01", fmt.Sprintf("user-%d", i))
			if err != nil {
				t.Errorf("request %d failed: %v", i, err)
				return
			}
			mu.Lock()
			results = append(results, prov)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, p := range results {
		if seen[p.SSHPort] {
			t.Fatalf("host port %d handed out twice", p.SSHPort)
		}
		seen[p.SSHPort] = true
	}

	if _, err := h.mgr.Request(context.Background(), "01", "late"); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestLastSlotRaceHasExactlyOneWinner(t *testing.T) {
	t.Parallel()
	for round := 0; round < 20; round++ {
		h := newHarness(t, 2)
		if _, err := h.mgr.Request(context.Background(), "01", "first"); err != nil {
			t.Fatal(err)
		}

		start := make(chan struct{})
		var (
			wg       sync.WaitGroup
			success  atomic.Int32
			capacity atomic.Int32
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := h.mgr.Request(context.Background(), "01", fmt.Sprintf("racer-%d", i))
				switch {
				case err == nil:
					success.Add(1)
				case errors.Is(err, domain.ErrCapacityExceeded):
					capacity.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		if success.Load() != 1 || capacity.Load() != 1 {
			t.Fatalf("round %d: expected 1 success and 1 CapacityExceeded, got %d and %d", round, success.Load(), capacity.Load())
		}
	}
}

func TestProvisioningFailureReleasesPortsAndSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.runtime.SetFailures(errors.New("docker daemon unreachable"), nil, nil, nil)

	_, err := h.mgr.Request(context.Background(), "01", "u")
	if !errors.Is(err, domain.ErrProvisioningFailed) {
		t.Fatalf("expected ProvisioningFailed, got %v", err)
	}
	if h.ports.InUse() != 0 {
		t.Fatalf("expected ports released, %d in use", h.ports.InUse())
	}
	if st := h.mgr.Stats(); st.Active != 0 || st.Reserved != 0 {
		t.Fatalf("expected empty registry, got %+v", st)
	}

	h.runtime.SetFailures(nil, nil, nil, nil)
	if _, err := h.mgr.Request(context.Background(), "01", "u"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

// sleepOn returns a runtime hook that stalls the named operations past a
// short runtime timeout.
func sleepOn(d time.Duration, ops ...string) func(string) {
	return func(op string) {
		for _, o := range ops {
			if o == op {
				time.Sleep(d)
				return
			}
		}
	}
}

func TestCreateTimeoutReleasesPortsAndSlot(t *testing.T) {
	t.Parallel()
	h := newHarnessWithTimeout(t, 1, 50*time.Millisecond)
	h.runtime.SetHook(sleepOn(200*time.Millisecond, "create"))

	_, err := h.mgr.Request(context.Background(), "01", "u")
	if !errors.Is(err, domain.ErrProvisioningFailed) {
		t.Fatalf("expected ProvisioningFailed, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the runtime deadline in the error chain, got %v", err)
	}
	if h.ports.InUse() != 0 {
		t.Fatalf("expected ports released, %d in use", h.ports.InUse())
	}
	if st := h.mgr.Stats(); st.Active != 0 || st.Reserved != 0 {
		t.Fatalf("expected empty registry, got %+v", st)
	}

	h.runtime.SetHook(nil)
	if _, err := h.mgr.Request(context.Background(), "01", "u"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestCreateTimeoutIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	h.runtime.SetHook(func(op string) {
		if op == "create" {
			cancel()
		}
	})

	if _, err := h.mgr.Request(ctx, "01", "u"); err != nil {
		t.Fatalf("expected create to outlive the cancelled caller, got %v", err)
	}
	if h.mgr.Stats().Active != 1 {
		t.Fatal("expected session registered")
	}
}

func TestTeardownTimeoutKeepsSession(t *testing.T) {
	t.Parallel()
	h := newHarnessWithTimeout(t, 1, 50*time.Millisecond)
	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	h.runtime.SetHook(sleepOn(200*time.Millisecond, "stop", "remove"))

	err = h.mgr.Release(context.Background(), prov.SessionID)
	if !errors.Is(err, domain.ErrTeardownFailed) {
		t.Fatalf("expected TeardownFailed, got %v", err)
	}
	if _, ok := h.mgr.Session(prov.SessionID); !ok {
		t.Fatal("expected session to stay registered after timed-out teardown")
	}
	if h.ports.InUse() != 1 {
		t.Fatal("expected ports to stay reserved after timed-out teardown")
	}

	h.runtime.SetHook(nil)
	if err := h.mgr.Release(context.Background(), prov.SessionID); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if h.ports.InUse() != 0 || h.runtime.Running() != 0 {
		t.Fatal("expected ports and container released after retry")
	}
}

func TestStopTimeoutStillRemoves(t *testing.T) {
	t.Parallel()
	h := newHarnessWithTimeout(t, 1, 50*time.Millisecond)
	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	h.runtime.SetHook(sleepOn(200*time.Millisecond, "stop"))

	if err := h.mgr.Release(context.Background(), prov.SessionID); err != nil {
		t.Fatalf("expected forced remove to succeed after stop timeout, got %v", err)
	}
	if h.mgr.Stats().Active != 0 || h.runtime.Running() != 0 {
		t.Fatal("expected session and container gone")
	}
}

func TestSweepOrphansRemovesUnknownContainers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	live, _ := h.mgr.Session(prov.SessionID)

	// A create that finished after its request gave up.
	orphan, err := h.runtime.Create(context.Background(), container.CreateSpec{
		Name:   "vulnzero-late",
		Image:  "zephius/vulnnet",
		Labels: map[string]string{container.LabelSession: "late"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := h.mgr.SweepOrphans(context.Background()); n != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", n)
	}
	if _, ok := h.runtime.Get(orphan); ok {
		t.Fatal("expected orphan container removed")
	}
	if _, ok := h.runtime.Get(live.ContainerID); !ok {
		t.Fatal("expected registered session's container to survive")
	}
	if n := h.mgr.SweepOrphans(context.Background()); n != 0 {
		t.Fatalf("expected nothing left to sweep, got %d", n)
	}
}

func TestSweepOrphansSkipsInFlightSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	handle, err := h.runtime.Create(context.Background(), container.CreateSpec{
		Name:   "vulnzero-inflight",
		Labels: map[string]string{container.LabelSession: "inflight"},
	})
	if err != nil {
		t.Fatal(err)
	}

	h.mgr.setPending("inflight", true)
	if n := h.mgr.SweepOrphans(context.Background()); n != 0 {
		t.Fatalf("expected in-flight container kept, removed %d", n)
	}
	if _, ok := h.runtime.Get(handle); !ok {
		t.Fatal("expected in-flight container to survive")
	}

	h.mgr.setPending("inflight", false)
	if n := h.mgr.SweepOrphans(context.Background()); n != 1 {
		t.Fatalf("expected abandoned container removed, got %d", n)
	}
}

func TestReleaseUnknownSessionIsNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)

	err := h.mgr.Release(context.Background(), "does-not-exist")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestReleaseTearsDownAndFreesResources(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := h.mgr.Session(prov.SessionID)

	var notified []string
	h.mgr.OnTeardown(func(id string) { notified = append(notified, id) })

	if err := h.mgr.Release(context.Background(), prov.SessionID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if h.runtime.Running() != 0 || h.runtime.Removes(s.ContainerID) != 1 {
		t.Fatal("expected container removed exactly once")
	}
	if h.ports.InUse() != 0 {
		t.Fatalf("expected ports released, %d in use", h.ports.InUse())
	}
	if len(notified) != 1 || notified[0] != prov.SessionID {
		t.Fatalf("unexpected teardown notifications %v", notified)
	}
	if err := h.mgr.Release(context.Background(), prov.SessionID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected second release to be not-found, got %v", err)
	}
}

func TestReleaseToleratesVanishedContainer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := h.mgr.Session(prov.SessionID)
	h.runtime.Vanish(s.ContainerID)

	if err := h.mgr.Release(context.Background(), prov.SessionID); err != nil {
		t.Fatalf("expected vanished container to count as released, got %v", err)
	}
	if h.mgr.Stats().Active != 0 {
		t.Fatal("expected session removed")
	}
}

func TestTeardownFailureKeepsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	h.runtime.SetFailures(nil, errors.New("stop failed"), errors.New("remove failed"), nil)

	if err := h.mgr.Release(context.Background(), prov.SessionID); !errors.Is(err, domain.ErrTeardownFailed) {
		t.Fatalf("expected TeardownFailed, got %v", err)
	}
	if _, ok := h.mgr.Session(prov.SessionID); !ok {
		t.Fatal("expected session to stay registered after failed teardown")
	}
	if h.ports.InUse() != 1 {
		t.Fatal("expected ports to stay reserved after failed teardown")
	}

	h.runtime.SetFailures(nil, nil, nil, nil)
	if err := h.mgr.Release(context.Background(), prov.SessionID); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)

	if st, ok := h.mgr.Status(context.Background(), "missing"); ok || st.Active {
		t.Fatalf("expected inactive unknown session, got %+v", st)
	}

	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(200 * time.Second)

	st, ok := h.mgr.Status(context.Background(), prov.SessionID)
	if !ok || !st.Active {
		t.Fatalf("expected active session, got %+v", st)
	}
	if st.RemainingSeconds() != 7000 {
		t.Errorf("expected 7000s remaining, got %d", st.RemainingSeconds())
	}
	if st.RuntimeStatus != domain.RuntimeRunning {
		t.Errorf("expected running, got %q", st.RuntimeStatus)
	}

	h.runtime.SetFailures(nil, nil, nil, errors.New("engine timeout"))
	st, _ = h.mgr.Status(context.Background(), prov.SessionID)
	if st.Active || st.RuntimeStatus != domain.RuntimeUnknown {
		t.Fatalf("expected degraded unknown status, got %+v", st)
	}
}

func TestStatusOfExpiredSessionBeforeReap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	prov, err := h.mgr.Request(context.Background(), "01", "u")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(7201 * time.Second)

	st, ok := h.mgr.Status(context.Background(), prov.SessionID)
	if !ok {
		t.Fatal("expected session to still be registered")
	}
	if st.Active || st.RemainingSeconds() != 0 {
		t.Fatalf("expected inactive with 0 remaining, got %+v", st)
	}
}

func TestReapThenReleaseConverges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	expiring, err := h.mgr.Request(context.Background(), "01", "a")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)
	fresh, err := h.mgr.Request(context.Background(), "01", "b")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)

	if n := h.mgr.ReapExpired(context.Background()); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if err := h.mgr.Release(context.Background(), expiring.SessionID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not-found after reap, got %v", err)
	}
	if _, ok := h.mgr.Session(fresh.SessionID); !ok {
		t.Fatal("fresh session must survive the sweep")
	}
}

func TestReleaseThenReapConverges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	prov, err := h.mgr.Request(context.Background(), "01", "a")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Hour)

	if err := h.mgr.Release(context.Background(), prov.SessionID); err != nil {
		t.Fatal(err)
	}
	if n := h.mgr.ReapExpired(context.Background()); n != 0 {
		t.Fatalf("expected nothing to reap, got %d", n)
	}
}

func TestReaperKeepsSessionOnTeardownFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	prov, err := h.mgr.Request(context.Background(), "01", "a")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Hour)
	h.runtime.SetFailures(nil, nil, errors.New("remove failed"), nil)

	if n := h.mgr.ReapExpired(context.Background()); n != 0 {
		t.Fatalf("expected no reaped sessions, got %d", n)
	}
	if _, ok := h.mgr.Session(prov.SessionID); !ok {
		t.Fatal("expected session kept for the next sweep")
	}

	h.runtime.SetFailures(nil, nil, nil, nil)
	if n := h.mgr.ReapExpired(context.Background()); n != 1 {
		t.Fatalf("expected next sweep to reap, got %d", n)
	}
}

func TestConcurrentReleaseAndReapTearDownOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	prov, err := h.mgr.Request(context.Background(), "01", "a")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := h.mgr.Session(prov.SessionID)
	h.clock.Advance(3 * time.Hour)

	// Slow down runtime calls so both callers overlap.
	h.runtime.SetHook(func(string) { time.Sleep(5 * time.Millisecond) })

	var teardowns atomic.Int32
	h.mgr.OnTeardown(func(string) { teardowns.Add(1) })

	var wg sync.WaitGroup
	var releaseErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		releaseErr = h.mgr.Release(context.Background(), prov.SessionID)
	}()
	go func() {
		defer wg.Done()
		h.mgr.ReapExpired(context.Background())
	}()
	wg.Wait()

	if releaseErr != nil && !errors.Is(releaseErr, domain.ErrSessionNotFound) {
		t.Fatalf("unexpected release error: %v", releaseErr)
	}
	if teardowns.Load() != 1 {
		t.Fatalf("expected exactly one teardown, got %d", teardowns.Load())
	}
	if h.runtime.Removes(s.ContainerID) != 1 {
		t.Fatalf("expected exactly one removal, got %d", h.runtime.Removes(s.ContainerID))
	}
	if h.ports.InUse() != 0 {
		t.Fatalf("expected ports released once, %d in use", h.ports.InUse())
	}
}

func TestDrainRemovesEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	for i := 0; i < 3; i++ {
		if _, err := h.mgr.Request(context.Background(), "01", fmt.Sprintf("u%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	if n := h.mgr.Drain(context.Background()); n != 3 {
		t.Fatalf("expected 3 drained, got %d", n)
	}
	if h.runtime.Running() != 0 || h.ports.InUse() != 0 {
		t.Fatal("expected no containers or ports left")
	}
}

func TestStartReaperStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	if _, err := h.mgr.Request(context.Background(), "01", "a"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := StartReaper(ctx, h.mgr, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for h.mgr.Stats().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatal("reaper never removed the expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
