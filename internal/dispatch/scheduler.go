package dispatch

import (
	"context"
	"sync"
	"time"

	"signaldesk/internal/types"
)

// RetryExecutor runs a scheduled retry task. Implemented by the Dispatcher.
type RetryExecutor interface {
	HandleRetry(ctx context.Context, task RetryTask) error
}

// Compile-time assertion that TimerScheduler implements RetryScheduler.
var _ RetryScheduler = (*TimerScheduler)(nil)

// TimerScheduler schedules retries on in-process timers. Used in the
// single-binary deployment; the distributed deployment replaces it with the
// queue-backed scheduler consumed by the delivery worker.
type TimerScheduler struct {
	logger types.Logger

	mu      sync.Mutex
	exec    RetryExecutor
	timers  map[int64]*time.Timer
	nextID  int64
	stopped bool

	// baseCtx bounds retries fired after the scheduling request's own
	// context has ended.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewTimerScheduler creates a stopped-free scheduler. The executor is wired
// afterwards via Start, since the dispatcher and the scheduler reference each
// other.
func NewTimerScheduler(logger types.Logger) *TimerScheduler {
	if logger == nil {
		logger = types.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		logger:     logger,
		timers:     make(map[int64]*time.Timer),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Start attaches the executor. Tasks scheduled before Start are rejected.
func (s *TimerScheduler) Start(exec RetryExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = exec
}

// Schedule arms a timer that fires the task after the delay. The request
// context only covers scheduling; the fired retry runs under the scheduler's
// own lifetime context.
func (s *TimerScheduler) Schedule(ctx context.Context, task RetryTask, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return context.Canceled
	}
	if s.exec == nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "retry scheduler started without executor", nil)
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.exec.HandleRetry(s.baseCtx, task); err != nil {
			s.logger.Error("scheduled retry failed",
				"notification_id", task.Notification.ID,
				"channel", string(task.Channel),
				"error", err,
			)
		}
	})
	return nil
}

// Pending returns the number of armed timers.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all armed timers and rejects further scheduling. Retries
// already executing finish under a cancelled context.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancelBase()
}
