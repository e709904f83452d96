package worktree

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/namastexlabs/automagik-forge/internal/logging"
)

// ActivePathsFunc returns the set of worktree paths that currently belong
// to a non-terminal-or-retained attempt; everything else under the root is
// a reap_orphans candidate.
type ActivePathsFunc func(ctx context.Context) map[string]struct{}

// OrphanSweeper runs ReapOrphans on a schedule, independent of the HTTP/
// remote-tool front door, per the cooperative-multitasking scheduling
// spec.md describes for this component.
type OrphanSweeper struct {
	manager     *Manager
	activePaths ActivePathsFunc
	cron        *cron.Cron
}

func NewOrphanSweeper(manager *Manager, activePaths ActivePathsFunc) *OrphanSweeper {
	return &OrphanSweeper{
		manager:     manager,
		activePaths: activePaths,
		cron:        cron.New(),
	}
}

// Start schedules the sweep at schedule (a standard 5-field cron
// expression) and returns immediately; the sweeper keeps running until
// Stop is called. A no-op if the manager was built with
// WithOrphanReapDisabled(true).
func (s *OrphanSweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		removed, err := s.manager.ReapOrphans(context.Background(), s.activePaths(context.Background()))
		if err != nil {
			logging.Error("orphan worktree sweep failed: %v", err)
			return
		}
		if len(removed) > 0 {
			logging.Info("reaped %d orphan worktree(s): %v", len(removed), removed)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *OrphanSweeper) Stop() {
	s.cron.Stop()
}
