package reflect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/config"
)

// Schedule binds a cron expression to the passes it triggers, in order.
type Schedule struct {
	Name   string
	Expr   string
	Passes []string
}

// DefaultSchedules maps each reflection cadence onto its own pass: hot
// distills new shards, cluster and elevate run on their slower crons.
func DefaultSchedules(cfg config.ReflectionConfig) []Schedule {
	return []Schedule{
		{Name: "hot", Expr: cfg.HotCron, Passes: []string{PassDistill}},
		{Name: "cluster", Expr: cfg.ClusterCron, Passes: []string{PassCluster}},
		{Name: "elevate", Expr: cfg.ElevateCron, Passes: []string{PassElevate}},
	}
}

// Scheduler fires pipeline passes on cron cadences.
type Scheduler struct {
	p         *Pipeline
	schedules []Schedule
	tick      time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	next map[string]time.Time
}

// NewScheduler validates every expression up front.
func NewScheduler(p *Pipeline, schedules []Schedule, tick time.Duration) (*Scheduler, error) {
	gx := gronx.New()
	for _, s := range schedules {
		if !gx.IsValid(s.Expr) {
			return nil, fmt.Errorf("schedule %s: invalid cron expression %q", s.Name, s.Expr)
		}
		for _, name := range s.Passes {
			if _, ok := p.passes[name]; !ok {
				return nil, fmt.Errorf("schedule %s: %w: %q", s.Name, ErrUnknownPass, name)
			}
		}
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		p:         p,
		schedules: schedules,
		tick:      tick,
		log:       p.log.Named("scheduler"),
		now:       time.Now,
		next:      make(map[string]time.Time),
	}, nil
}

// Run blocks, checking schedules every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.plan(s.now())
	s.log.Info("reflection scheduler started", zap.Int("schedules", len(s.schedules)), zap.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reflection scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// NextRuns returns the next planned time per schedule name.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.next))
	for k, v := range s.next {
		out[k] = v
	}
	return out
}

func (s *Scheduler) plan(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.schedules {
		if _, ok := s.next[sc.Name]; ok {
			continue
		}
		s.next[sc.Name] = s.nextAfter(sc, now)
	}
}

func (s *Scheduler) nextAfter(sc Schedule, now time.Time) time.Time {
	t, err := gronx.NextTickAfter(sc.Expr, now, false)
	if err != nil {
		s.log.Error("compute next run", zap.String("schedule", sc.Name), zap.String("expr", sc.Expr), zap.Error(err))
		return now.Add(24 * time.Hour)
	}
	return t
}

// RunDue runs the passes of every schedule whose planned time has passed
// and returns the names of the schedules it fired.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	s.plan(now)

	var due []Schedule
	s.mu.Lock()
	for _, sc := range s.schedules {
		if !now.Before(s.next[sc.Name]) {
			due = append(due, sc)
			s.next[sc.Name] = s.nextAfter(sc, now)
		}
	}
	s.mu.Unlock()

	fired := make([]string, 0, len(due))
	for _, sc := range due {
		fired = append(fired, sc.Name)
		for _, name := range sc.Passes {
			if ctx.Err() != nil {
				return fired
			}
			if _, err := s.p.Run(ctx, name); err != nil {
				s.log.Error("scheduled pass failed", zap.String("schedule", sc.Name), zap.String("pass", name), zap.Error(err))
			}
		}
	}
	return fired
}
