// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
	syncpkg "github.com/zmh/Quill-sub002/internal/sync"
	"github.com/zmh/Quill-sub002/internal/sync/events"
	"github.com/zmh/Quill-sub002/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine serves lanes from an in-memory set. Processing a lane removes
// it from the set unless the lane is configured to stay busy.
type fakeEngine struct {
	mu        sync.Mutex
	ready     map[models.UUID]bool
	wakeAt    time.Time
	wakeLane  models.UUID
	processed []models.UUID
	laneErr   error
	hold      chan struct{}
	entered   chan struct{}
	delay     time.Duration
	trigger   func()

	recovers  atomic.Int32
	refreshes atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

var _ syncpkg.SyncEngineInterface = (*fakeEngine)(nil)

func newFakeEngine(ids ...models.UUID) *fakeEngine {
	f := &fakeEngine{ready: make(map[models.UUID]bool)}
	for _, id := range ids {
		f.ready[id] = true
	}
	return f
}

func (f *fakeEngine) add(id models.UUID) {
	f.mu.Lock()
	f.ready[id] = true
	f.mu.Unlock()
}

func (f *fakeEngine) ProcessLane(ctx context.Context, id models.UUID) (*syncpkg.LaneResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	hold, entered, delay, laneErr := f.hold, f.entered, f.delay, f.laneErr
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if hold != nil {
		<-hold
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready[id] {
		return nil, queue.ErrLaneBusy
	}
	delete(f.ready, id)
	f.processed = append(f.processed, id)
	if laneErr != nil {
		return &syncpkg.LaneResult{PostID: id, Attempts: 1, Failed: 1}, laneErr
	}
	return &syncpkg.LaneResult{PostID: id, Attempts: 1, Succeeded: 1}, nil
}

func (f *fakeEngine) ReadyLanes(ctx context.Context) ([]models.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wakeLane != "" && !time.Now().Before(f.wakeAt) {
		f.ready[f.wakeLane] = true
		f.wakeLane = ""
	}
	var ids []models.UUID
	for id := range f.ready {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeEngine) NextWake(ctx context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wakeLane == "" {
		return time.Time{}, false, nil
	}
	return f.wakeAt, true, nil
}

func (f *fakeEngine) Refresh(ctx context.Context) (*syncpkg.RefreshResult, error) {
	f.refreshes.Add(1)
	return &syncpkg.RefreshResult{}, nil
}

func (f *fakeEngine) Recover(ctx context.Context) (int64, error) {
	f.recovers.Add(1)
	return 0, nil
}

func (f *fakeEngine) PendingCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ready), nil
}

func (f *fakeEngine) SetTrigger(fn func()) {
	f.mu.Lock()
	f.trigger = fn
	f.mu.Unlock()
}

func (f *fakeEngine) processedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processed)
}

func createTestScheduler(t *testing.T, engine *fakeEngine) *Scheduler {
	t.Helper()
	s := NewScheduler(engine, &SchedulerConfig{
		SyncInterval:       time.Hour,
		MaxConcurrentLanes: 2,
		DrainTimeout:       5 * time.Second,
	})
	t.Cleanup(s.Stop)
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", config.SyncInterval)
	}
	if config.MaxConcurrentLanes != 4 {
		t.Errorf("MaxConcurrentLanes = %d, want 4", config.MaxConcurrentLanes)
	}
}

// TestNewScheduler_defaults verifies zero values fall back to defaults.
func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(newFakeEngine(), &SchedulerConfig{})

	if s.syncInterval != 5*time.Minute {
		t.Errorf("syncInterval = %v, want 5m", s.syncInterval)
	}
	if s.maxLanes != 4 {
		t.Errorf("maxLanes = %d, want 4", s.maxLanes)
	}
	if !s.IsOnline() {
		t.Error("new scheduler should assume online")
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_StartStop verifies recovery runs once and Start/Stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	engine := newFakeEngine("a", "b")
	s := createTestScheduler(t, engine)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := engine.recovers.Load(); got != 1 {
		t.Errorf("Recover calls = %d, want 1", got)
	}

	waitFor(t, "initial drain", func() bool { return engine.processedCount() == 2 })

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	engine.mu.Lock()
	trigger := engine.trigger
	engine.mu.Unlock()
	if trigger != nil {
		t.Error("Stop() should unregister the engine trigger")
	}
}

// TestScheduler_engineTrigger verifies queued work wakes the scheduler.
func TestScheduler_engineTrigger(t *testing.T) {
	engine := newFakeEngine()
	s := createTestScheduler(t, engine)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	engine.add("late")
	engine.mu.Lock()
	trigger := engine.trigger
	engine.mu.Unlock()
	if trigger == nil {
		t.Fatal("Start() did not register a trigger")
	}
	trigger()

	waitFor(t, "triggered drain", func() bool { return engine.processedCount() == 1 })
}

// =====================================================
// Drain Tests
// =====================================================

// TestScheduler_SyncNow verifies a manual drain processes every ready lane.
func TestScheduler_SyncNow(t *testing.T) {
	engine := newFakeEngine("a", "b", "c")
	s := createTestScheduler(t, engine)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Lanes != 3 {
		t.Errorf("Lanes = %d, want 3", result.Lanes)
	}
	if result.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", result.Succeeded)
	}
	if got := engine.refreshes.Load(); got != 1 {
		t.Errorf("Refresh calls = %d, want 1", got)
	}

	status, err := s.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime should be set after SyncNow")
	}
	if status.PendingOperations != 0 {
		t.Errorf("PendingOperations = %d, want 0", status.PendingOperations)
	}
	if status.LastResult == nil || status.LastResult.Succeeded != 3 {
		t.Errorf("LastResult = %+v, want 3 succeeded", status.LastResult)
	}
}

// TestScheduler_drainEvent verifies a drain is announced on the broker.
func TestScheduler_drainEvent(t *testing.T) {
	engine := newFakeEngine("a", "b")
	s := createTestScheduler(t, engine)
	broker := events.NewBroker()
	s.SetBroker(broker)

	ch, cancel := broker.Subscribe(func(e events.Event) bool { return e.Kind == events.KindDrain })
	defer cancel()

	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	select {
	case e := <-ch:
		if e.Pending != 0 {
			t.Errorf("Pending = %d, want 0", e.Pending)
		}
	case <-time.After(time.Second):
		t.Fatal("no drain event published")
	}
}

// TestScheduler_boundedLanes verifies no more than MaxConcurrentLanes run at once.
func TestScheduler_boundedLanes(t *testing.T) {
	var ids []models.UUID
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		ids = append(ids, models.UUID(id))
	}
	engine := newFakeEngine(ids...)
	engine.delay = 10 * time.Millisecond
	s := createTestScheduler(t, engine)

	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if got := engine.processedCount(); got != len(ids) {
		t.Errorf("processed = %d, want %d", got, len(ids))
	}
	if got := engine.maxActive.Load(); got > 2 {
		t.Errorf("max concurrent lanes = %d, want <= 2", got)
	}
}

// TestScheduler_laneError verifies one failing lane does not stop the others.
func TestScheduler_laneError(t *testing.T) {
	engine := newFakeEngine("a", "b")
	engine.laneErr = errors.New("disk full")
	s := createTestScheduler(t, engine)

	result, err := s.SyncNow(context.Background())
	if err == nil {
		t.Fatal("SyncNow() error = nil, want lane error")
	}
	if got := engine.processedCount(); got != 2 {
		t.Errorf("processed = %d, want 2", got)
	}
	if result.Error == "" {
		t.Error("result.Error should be set")
	}
}

// TestScheduler_coalesce verifies triggers during a drain queue one more drain.
func TestScheduler_coalesce(t *testing.T) {
	engine := newFakeEngine("a")
	engine.hold = make(chan struct{})
	engine.entered = make(chan struct{}, 1)
	s := createTestScheduler(t, engine)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-engine.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first drain did not start")
	}

	for i := 0; i < 10; i++ {
		s.TriggerDrain()
	}
	engine.mu.Lock()
	hold := engine.hold
	engine.hold, engine.entered = nil, nil
	engine.mu.Unlock()
	close(hold)

	waitFor(t, "queued drain", func() bool {
		status, _ := s.GetStatus(context.Background())
		return status.Drains == 2 && !status.DrainInProgress
	})
	time.Sleep(50 * time.Millisecond)

	status, err := s.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Drains != 2 {
		t.Errorf("Drains = %d, want 2", status.Drains)
	}
}

// =====================================================
// Trigger Tests
// =====================================================

// TestScheduler_offline verifies drains wait for connectivity.
func TestScheduler_offline(t *testing.T) {
	engine := newFakeEngine()
	s := createTestScheduler(t, engine)
	s.SetOnlineStatus(false)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	engine.add("queued")
	s.TriggerDrain()
	time.Sleep(50 * time.Millisecond)
	if got := engine.processedCount(); got != 0 {
		t.Fatalf("processed while offline = %d, want 0", got)
	}

	s.NotifyConnectivityRestored()
	if !s.IsOnline() {
		t.Error("IsOnline() = false after NotifyConnectivityRestored")
	}
	waitFor(t, "drain after reconnect", func() bool { return engine.processedCount() == 1 })
}

// TestScheduler_retryWake verifies the scheduler wakes at the next retry deadline.
func TestScheduler_retryWake(t *testing.T) {
	engine := newFakeEngine()
	engine.wakeLane = "retry"
	engine.wakeAt = time.Now().Add(30 * time.Millisecond)
	s := createTestScheduler(t, engine)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "retry wake", func() bool { return engine.processedCount() == 1 })
}

// TestScheduler_periodic verifies the timer refreshes and drains.
func TestScheduler_periodic(t *testing.T) {
	engine := newFakeEngine()
	s := createTestScheduler(t, engine)
	s.SetSyncInterval(20 * time.Millisecond)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "periodic refresh", func() bool { return engine.refreshes.Load() >= 2 })
}

// TestScheduler_foregrounded verifies a foreground event refreshes once.
func TestScheduler_foregrounded(t *testing.T) {
	engine := newFakeEngine()
	s := createTestScheduler(t, engine)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "initial drain", func() bool {
		status, _ := s.GetStatus(context.Background())
		return status.Drains == 1 && !status.DrainInProgress
	})
	if got := engine.refreshes.Load(); got != 0 {
		t.Fatalf("Refresh calls before foreground = %d, want 0", got)
	}

	s.NotifyForegrounded()
	waitFor(t, "foreground refresh", func() bool { return engine.refreshes.Load() == 1 })
}
