package resume

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// CompactionScheduler runs Handler.Compact on a cron expression, as a
// belt-and-braces time-based trigger alongside the size-threshold check
// Save already performs. Grounded on
// _examples/nishisan-dev-n-backup/internal/agent/scheduler.go's run-guarded
// cron job, simplified to a single recurring job instead of one per backup
// entry.
type CompactionScheduler struct {
	cron    *cron.Cron
	handler *Handler
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewCompactionScheduler registers a cron job that calls handler.Compact on
// the given schedule expression (standard 5-field cron syntax).
func NewCompactionScheduler(handler *Handler, schedule string, logger *slog.Logger) (*CompactionScheduler, error) {
	s := &CompactionScheduler{
		handler: handler,
		logger:  logger,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.runCompaction); err != nil {
		return nil, err
	}
	s.cron = c
	return s, nil
}

func (s *CompactionScheduler) runCompaction() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("compaction already running, skipping scheduled run")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.handler.Compact(); err != nil {
		s.logger.Error("scheduled resume compaction failed", "error", err)
		return
	}
	s.logger.Info("scheduled resume compaction completed")
}

// Start begins the cron schedule.
func (s *CompactionScheduler) Start() {
	s.cron.Start()
}

// Stop waits for any in-flight compaction to finish or ctx to expire.
func (s *CompactionScheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("compaction scheduler stop timed out")
	}
}
