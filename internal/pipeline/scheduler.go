package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/hippocampus/internal/faults"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StageStatus is the scheduler's view of one stage.
type StageStatus struct {
	Stage     Stage         `json:"stage"`
	Interval  time.Duration `json:"interval"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	NextRun   time.Time     `json:"next_run"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
}

// Scheduler runs each stage when its interval has elapsed on the logical
// clock. It implements clock.Listener.
type Scheduler struct {
	pipeline  *Pipeline
	intervals map[Stage]time.Duration
	poolSize  int
	logger    *zap.Logger

	mu     sync.Mutex
	status map[Stage]*StageStatus
}

// NewScheduler creates a scheduler. Stages with a zero interval are never
// scheduled. poolSize bounds how many stages run at once.
func NewScheduler(p *Pipeline, intervals map[Stage]time.Duration, poolSize int, logger *zap.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = len(Stages)
	}
	s := &Scheduler{
		pipeline:  p,
		intervals: make(map[Stage]time.Duration),
		poolSize:  poolSize,
		logger:    logger,
		status:    make(map[Stage]*StageStatus),
	}
	for _, st := range Stages {
		if d := intervals[st]; d > 0 {
			s.intervals[st] = d
			s.status[st] = &StageStatus{Stage: st, Interval: d}
		}
	}
	return s
}

// OnTick runs every due stage concurrently and waits for them. A failed run
// is retried on the stage's next interval.
func (s *Scheduler) OnTick(ctx context.Context, now time.Time) {
	due := s.due(now)
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.poolSize)
	for _, st := range due {
		g.Go(func() error {
			_, err := s.pipeline.Run(gctx, st, now, false)
			s.record(st, now, err)
			return nil
		})
	}
	_ = g.Wait()
}

// Status returns the schedule of every configured stage in data-flow order.
func (s *Scheduler) Status() []StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageStatus, 0, len(s.status))
	for _, st := range Stages {
		if v, ok := s.status[st]; ok {
			out = append(out, *v)
		}
	}
	return out
}

func (s *Scheduler) due(now time.Time) []Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Stage
	for _, st := range Stages {
		v, ok := s.status[st]
		if !ok {
			continue
		}
		if v.LastRun.IsZero() || !now.Before(v.NextRun) {
			out = append(out, st)
		}
	}
	return out
}

func (s *Scheduler) record(st Stage, now time.Time, err error) {
	s.mu.Lock()
	v := s.status[st]
	v.LastRun = now
	v.NextRun = now.Add(s.intervals[st])
	v.Runs++
	next := v.NextRun
	if err != nil {
		v.Failures++
		v.LastError = err.Error()
	} else {
		v.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("stage run failed; will retry",
			zap.String("stage", string(st)),
			zap.String("kind", faults.Kind(err)),
			zap.Time("next_attempt", next),
			zap.Error(err))
	}
}
