package approval

import (
	"context"
	"time"
)

// Sweeper expires overdue requests on a fixed interval until ctx ends.
type Sweeper struct {
	Workflow *Workflow
	Interval time.Duration
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Workflow.SweepExpired(ctx, s.Workflow.now()); err != nil {
				s.Workflow.log().Warn("approval sweep failed", "error", err)
			}
		}
	}
}
