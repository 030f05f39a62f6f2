package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"
)

func failProbes(rt *fakeRuntime) {
	rt.respond("echo ok", "", 1)
}

func healProbes(rt *fakeRuntime) {
	rt.mu.Lock()
	rt.responses = nil
	rt.mu.Unlock()
}

func TestMonitorHealthyProbe(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42400, 42409)
	mo := NewMonitor(m, MonitorOptions{})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}

	mo.CheckAll(ctx)
	h, ok := mo.Snapshot(sb.ID)
	if !ok {
		t.Fatal("no health record")
	}
	if h.State != HealthHealthy || h.Failures != 0 {
		t.Errorf("health = %+v, want healthy with 0 failures", h)
	}
}

func TestMonitorRestartsAfterConsecutiveFailures(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42410, 42419)
	mo := NewMonitor(m, MonitorOptions{RestartBackoff: time.Nanosecond})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}
	failProbes(rt)

	// Two failures: unhealthy, but no restart yet.
	mo.CheckAll(ctx)
	mo.CheckAll(ctx)
	h, _ := mo.Snapshot(sb.ID)
	if h.State != HealthUnhealthy || h.Failures != 2 || h.Restarts != 0 {
		t.Fatalf("after 2 failures: %+v", h)
	}

	// Third consecutive failure triggers the restart.
	mo.CheckAll(ctx)
	h, _ = mo.Snapshot(sb.ID)
	if h.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", h.Restarts)
	}
	if h.Failures != 0 {
		t.Errorf("Failures = %d, want reset to 0 after restart", h.Failures)
	}
	if h.State != HealthStarting {
		t.Errorf("State = %s, want starting", h.State)
	}
}

func TestMonitorFailureCountResetsOnRecovery(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42420, 42429)
	mo := NewMonitor(m, MonitorOptions{})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}

	failProbes(rt)
	mo.CheckAll(ctx)
	mo.CheckAll(ctx)

	healProbes(rt)
	mo.CheckAll(ctx)
	h, _ := mo.Snapshot(sb.ID)
	if h.Failures != 0 || h.State != HealthHealthy {
		t.Errorf("after recovery: %+v, want healthy with 0 failures", h)
	}

	// The counter starts over: two more failures still stay short of the
	// restart threshold.
	failProbes(rt)
	mo.CheckAll(ctx)
	mo.CheckAll(ctx)
	h, _ = mo.Snapshot(sb.ID)
	if h.Restarts != 0 {
		t.Errorf("Restarts = %d, want 0", h.Restarts)
	}
}

func TestMonitorBackoffThrottlesRestarts(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42430, 42439)
	mo := NewMonitor(m, MonitorOptions{RestartBackoff: time.Hour})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}
	failProbes(rt)

	for i := 0; i < 3; i++ {
		mo.CheckAll(ctx)
	}
	h, _ := mo.Snapshot(sb.ID)
	if h.Restarts != 1 {
		t.Fatalf("Restarts = %d, want 1", h.Restarts)
	}

	// Still failing, but the hour-long backoff has not elapsed: no
	// second restart.
	for i := 0; i < 6; i++ {
		mo.CheckAll(ctx)
	}
	h, _ = mo.Snapshot(sb.ID)
	if h.Restarts != 1 {
		t.Errorf("Restarts = %d, want still 1 during backoff", h.Restarts)
	}
}

func TestMonitorGivesUpAfterRestartBudget(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42440, 42449)
	mo := NewMonitor(m, MonitorOptions{
		MaxRestarts:    1,
		RestartBackoff: time.Nanosecond,
	})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}
	failProbes(rt)

	// First round of failures consumes the single restart.
	for i := 0; i < 3; i++ {
		mo.CheckAll(ctx)
	}
	// Second round exhausts the budget: terminal.
	for i := 0; i < 3; i++ {
		mo.CheckAll(ctx)
	}

	h, _ := mo.Snapshot(sb.ID)
	if h.State != HealthDead {
		t.Errorf("State = %s, want dead", h.State)
	}
	if h.Monitoring {
		t.Error("monitoring still active after giving up")
	}
	if sb.Status() != StatusError {
		t.Errorf("sandbox status = %s, want error", sb.Status())
	}

	// Dead is terminal: further passes leave the record untouched.
	lastCheck := h.LastCheck
	mo.CheckAll(ctx)
	h, _ = mo.Snapshot(sb.ID)
	if !h.LastCheck.Equal(lastCheck) {
		t.Error("disabled record was probed again")
	}
}

func TestMonitorBudgetResetsAfterStableRun(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42450, 42459)
	mo := NewMonitor(m, MonitorOptions{
		RestartBackoff: time.Nanosecond,
		BudgetResetGap: 20 * time.Millisecond,
	})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}

	failProbes(rt)
	for i := 0; i < 3; i++ {
		mo.CheckAll(ctx)
	}
	h, _ := mo.Snapshot(sb.ID)
	if h.Restarts != 1 {
		t.Fatalf("Restarts = %d, want 1", h.Restarts)
	}

	// Healthy for longer than the reset gap: the budget comes back.
	healProbes(rt)
	time.Sleep(30 * time.Millisecond)
	mo.CheckAll(ctx)
	h, _ = mo.Snapshot(sb.ID)
	if h.Restarts != 0 {
		t.Errorf("Restarts = %d, want 0 after stable run", h.Restarts)
	}
}

func TestMonitorMissingContainerIsTerminal(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42460, 42469)
	mo := NewMonitor(m, MonitorOptions{})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The container disappears behind the engine's back.
	if err := rt.Remove(ctx, sb.ContainerID); err != nil {
		t.Fatal(err)
	}

	mo.CheckAll(ctx)
	h, _ := mo.Snapshot(sb.ID)
	if h.State != HealthDead || h.Monitoring {
		t.Errorf("health = %+v, want terminal dead", h)
	}
	if sb.Status() != StatusError {
		t.Errorf("sandbox status = %s, want error", sb.Status())
	}
}

func TestMonitorRestartsStoppedContainer(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42470, 42479)
	mo := NewMonitor(m, MonitorOptions{RestartBackoff: time.Nanosecond})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Stop(ctx, sb.ContainerID, 0); err != nil {
		t.Fatal(err)
	}

	mo.CheckAll(ctx)
	h, _ := mo.Snapshot(sb.ID)
	if h.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", h.Restarts)
	}

	// The fake restart brought it back; the next pass sees it healthy.
	mo.CheckAll(ctx)
	h, _ = mo.Snapshot(sb.ID)
	if h.State != HealthHealthy {
		t.Errorf("State = %s, want healthy", h.State)
	}
}

func TestMonitorSnapshotDuringProbePasses(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42640, 42649)
	mo := NewMonitor(m, MonitorOptions{RestartBackoff: time.Nanosecond})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}
	failProbes(rt)

	// Status reads race with the monitor loop in production; run them
	// concurrently so the race detector can see any unsynchronized
	// access to the shared record.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				mo.Snapshot(sb.ID)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		mo.CheckAll(ctx)
	}
	close(stop)
	wg.Wait()

	h, ok := mo.Snapshot(sb.ID)
	if !ok {
		t.Fatal("no health record")
	}
	if h.Restarts < 1 {
		t.Errorf("Restarts = %d, want at least one restart from the failing probes", h.Restarts)
	}
}

func TestMonitorSkipsPassWhenListingFails(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42490, 42499)
	mo := NewMonitor(m, MonitorOptions{})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A flaky runtime listing must not be mistaken for a dead sandbox.
	rt.mu.Lock()
	rt.listErr = context.DeadlineExceeded
	rt.mu.Unlock()
	mo.CheckAll(ctx)
	if _, ok := mo.Snapshot(sb.ID); ok {
		t.Error("probe pass ran despite listing failure")
	}

	rt.mu.Lock()
	rt.listErr = nil
	rt.mu.Unlock()
	mo.CheckAll(ctx)
	h, _ := mo.Snapshot(sb.ID)
	if h.State != HealthHealthy {
		t.Errorf("State = %s, want healthy after listing recovers", h.State)
	}
}

func TestMonitorPrunesDeletedSandboxes(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 42480, 42489)
	mo := NewMonitor(m, MonitorOptions{})
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-a", "user-1", KindStatic, nil)
	if err != nil {
		t.Fatal(err)
	}
	mo.CheckAll(ctx)
	if _, ok := mo.Snapshot(sb.ID); !ok {
		t.Fatal("no health record after first pass")
	}

	if err := m.Delete(ctx, "proj-a", false); err != nil {
		t.Fatal(err)
	}
	mo.CheckAll(ctx)
	if _, ok := mo.Snapshot(sb.ID); ok {
		t.Error("health record survives sandbox deletion")
	}
}
