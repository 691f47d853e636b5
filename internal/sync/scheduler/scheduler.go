// Package scheduler drives the sync engine in the background: it drains ready
// lanes when work is queued, when connectivity returns, on a periodic timer and
// when the earliest retry deadline passes.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/zmh/Quill-sub002/internal/errors"
	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/models"
	syncpkg "github.com/zmh/Quill-sub002/internal/sync"
	"github.com/zmh/Quill-sub002/internal/sync/events"
	"github.com/zmh/Quill-sub002/internal/sync/queue"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	syncInterval time.Duration
	maxLanes     int
	drainTimeout time.Duration

	// drainCh holds at most one queued drain request.
	drainCh    chan struct{}
	intervalCh chan time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup

	// drainMu serializes drains so only one runs at a time.
	drainMu sync.Mutex

	mu               sync.RWMutex
	isRunning        bool
	isOnline         bool
	refreshRequested bool
	drainInProgress  bool
	drains           int
	lastSyncTime     time.Time
	lastResult       *syncpkg.SyncResult
	nextWake         time.Time
	broker           *events.Broker
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval       time.Duration // Periodic refresh and drain (default: 5 minutes)
	MaxConcurrentLanes int           // Lanes processed in parallel (default: 4)
	DrainTimeout       time.Duration // Upper bound for one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:       5 * time.Minute,
		MaxConcurrentLanes: 4,
		DrainTimeout:       5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		engine:       engine,
		syncInterval: config.SyncInterval,
		maxLanes:     config.MaxConcurrentLanes,
		drainTimeout: config.DrainTimeout,
		drainCh:      make(chan struct{}, 1),
		intervalCh:   make(chan time.Duration, 1),
		stopCh:       make(chan struct{}),
		isOnline:     true, // Assume online initially
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.maxLanes <= 0 {
		s.maxLanes = defaults.MaxConcurrentLanes
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = defaults.DrainTimeout
	}
	return s
}

// Start recovers operations interrupted by a previous process, registers the
// scheduler as the engine's trigger and starts the background loop with an
// initial drain.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	if _, err := s.engine.Recover(ctx); err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}

	s.engine.SetTrigger(s.TriggerDrain)

	s.wg.Add(1)
	go s.loop(ctx)

	s.TriggerDrain()
	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
		"max_lanes":        s.maxLanes,
	})
	return nil
}

// Stop stops the background loop and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	s.engine.SetTrigger(nil)
	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetBroker publishes a drain event on b after every drain.
func (s *Scheduler) SetBroker(b *events.Broker) {
	s.mu.Lock()
	s.broker = b
	s.mu.Unlock()
}

// SetOnlineStatus changes the online status of the scheduler.
// While offline no drain or refresh is attempted; queued work waits.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// NotifyConnectivityRestored marks the scheduler online and drains.
func (s *Scheduler) NotifyConnectivityRestored() {
	s.SetOnlineStatus(true)
	s.TriggerDrain()
}

// NotifyForegrounded refreshes synced posts against the server and drains.
func (s *Scheduler) NotifyForegrounded() {
	s.mu.Lock()
	s.refreshRequested = true
	s.mu.Unlock()
	s.TriggerDrain()
}

// SetSyncInterval changes the periodic interval of a running scheduler.
func (s *Scheduler) SetSyncInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.syncInterval = d
	s.mu.Unlock()

	// Replace any unread value.
	select {
	case <-s.intervalCh:
	default:
	}
	select {
	case s.intervalCh <- d:
	default:
	}
}

// TriggerDrain requests a drain. A request made while a drain runs is queued
// once; further requests coalesce with it.
func (s *Scheduler) TriggerDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

// loop owns the periodic ticker and the retry wake timer.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.mu.RLock()
	interval := s.syncInterval
	s.mu.RUnlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case d := <-s.intervalCh:
			ticker.Reset(d)
			logging.Info("Sync interval changed", map[string]interface{}{"interval_seconds": d.Seconds()})
			continue
		case <-ticker.C:
			s.mu.Lock()
			s.refreshRequested = true
			s.mu.Unlock()
		case <-wake.C:
		case <-s.drainCh:
		}

		s.runDrain(ctx)
		s.armWake(ctx, wake)
	}
}

// armWake points the wake timer at the earliest retry deadline.
func (s *Scheduler) armWake(ctx context.Context, wake *time.Timer) {
	wake.Stop()
	at, ok, err := s.engine.NextWake(ctx)
	if err != nil {
		logging.Warn("Failed to read next retry deadline", map[string]interface{}{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if ok {
		s.nextWake = at
	} else {
		s.nextWake = time.Time{}
	}
	s.mu.Unlock()

	if ok {
		wake.Reset(max(time.Until(at), 0))
	}
}

// runDrain runs a background drain and logs its outcome.
func (s *Scheduler) runDrain(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping drain - scheduler is offline", nil)
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drain(drainCtx)
	if err != nil {
		logging.ErrorWithCode("Background drain failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"lanes": result.Lanes})
		return
	}
	if result.Attempts > 0 {
		logging.Info("Background drain completed",
			map[string]interface{}{
				"lanes":      result.Lanes,
				"succeeded":  result.Succeeded,
				"retrying":   result.Retrying,
				"failed":     result.Failed,
				"conflicted": result.Conflicted,
				"duration":   result.Duration.String(),
			})
	}
}

// SyncNow runs a drain immediately, refreshing synced posts first, and waits
// for it to complete.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	s.mu.Lock()
	s.refreshRequested = true
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drain(drainCtx)
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"lanes":      result.Lanes,
			"succeeded":  result.Succeeded,
			"failed":     result.Failed,
			"conflicted": result.Conflicted,
		})
	return result, nil
}

// drain processes every ready lane through a bounded pool. Lanes that become
// ready while the pool runs are picked up by the next pass.
func (s *Scheduler) drain(ctx context.Context) (*syncpkg.SyncResult, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	s.drainInProgress = true
	refresh := s.refreshRequested
	s.refreshRequested = false
	s.drains++
	s.mu.Unlock()

	result := &syncpkg.SyncResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		s.mu.Lock()
		s.drainInProgress = false
		s.lastSyncTime = result.EndTime
		s.lastResult = result
		broker := s.broker
		s.mu.Unlock()
		if broker != nil {
			s.publishDrain(context.WithoutCancel(ctx), broker)
		}
	}()

	if refresh {
		if res, err := s.engine.Refresh(ctx); err != nil {
			logging.Warn("Refresh failed", map[string]interface{}{"error": err.Error()})
		} else if res.Pulled > 0 || res.Conflicts > 0 || res.Merged > 0 {
			logging.Info("Refresh completed", map[string]interface{}{
				"checked":   res.Checked,
				"pulled":    res.Pulled,
				"merged":    res.Merged,
				"conflicts": res.Conflicts,
			})
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
			return result, err
		}
		ids, err := s.engine.ReadyLanes(ctx)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		if len(ids) == 0 {
			return result, nil
		}

		attempts, err := s.runLanes(ctx, ids, result)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		if attempts == 0 {
			// Every ready lane is being processed elsewhere.
			return result, nil
		}
	}
}

func (s *Scheduler) publishDrain(ctx context.Context, broker *events.Broker) {
	pending, err := s.engine.PendingCount(ctx)
	if err != nil {
		logging.Warn("Failed to count pending operations", map[string]interface{}{"error": err.Error()})
		return
	}
	broker.Publish(events.Event{Kind: events.KindDrain, Pending: pending})
}

// runLanes processes ids with at most maxLanes running at once and returns
// the number of attempts made. A lane error is logged and does not stop the
// other lanes; the first one is returned.
func (s *Scheduler) runLanes(ctx context.Context, ids []models.UUID, result *syncpkg.SyncResult) (int, error) {
	var (
		mu       sync.Mutex
		attempts int
		firstErr error
	)

	var g errgroup.Group
	g.SetLimit(s.maxLanes)
	for _, id := range ids {
		g.Go(func() error {
			lane, err := s.engine.ProcessLane(ctx, id)
			if errors.Is(err, queue.ErrLaneBusy) {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			result.Add(lane)
			if lane != nil {
				attempts += lane.Attempts
			}
			if err != nil {
				logging.Error("Lane processing failed", err, map[string]interface{}{"post_id": id})
				if firstErr == nil {
					firstErr = err
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return attempts, firstErr
}

// SchedulerStatus reports the scheduler's state.
type SchedulerStatus struct {
	IsRunning         bool                `json:"is_running" yaml:"is_running"`
	IsOnline          bool                `json:"is_online" yaml:"is_online"`
	DrainInProgress   bool                `json:"drain_in_progress" yaml:"drain_in_progress"`
	Drains            int                 `json:"drains" yaml:"drains"`
	LastSyncTime      *time.Time          `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
	NextWake          *time.Time          `json:"next_wake,omitempty" yaml:"next_wake,omitempty"`
	PendingOperations int                 `json:"pending_operations" yaml:"pending_operations"`
	LastResult        *syncpkg.SyncResult `json:"last_result,omitempty" yaml:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	pending, err := s.engine.PendingCount(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:         s.isRunning,
		IsOnline:          s.isOnline,
		DrainInProgress:   s.drainInProgress,
		Drains:            s.drains,
		PendingOperations: pending,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.nextWake.IsZero() {
		t := s.nextWake
		status.NextWake = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		status.LastResult = &r
	}
	return status, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
