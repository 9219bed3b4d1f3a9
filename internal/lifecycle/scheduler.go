package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rustmailer/bichon/internal/logging"
)

// Scheduler runs a small set of named periodic background tasks on their
// own tickers, stopping cleanly when its context is canceled.
type Scheduler struct {
	log  *logging.Logger
	done chan struct{}
}

func NewScheduler(log *logging.Logger) *Scheduler {
	return &Scheduler{log: log, done: make(chan struct{})}
}

// Task is one periodic job: Run executes a single pass.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Start launches every task on its own ticker goroutine; they all stop
// once ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, tasks ...Task) {
	for _, t := range tasks {
		go s.runTask(ctx, t)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Run(ctx); err != nil {
				s.log.ErrorContext(ctx, "periodic task failed", err, "task", t.Name)
			}
		}
	}
}

// SweepTempDir implements spec.md §6's "temp/ ... swept periodically":
// removes any file under dir older than maxAge.
func SweepTempDir(dir string, maxAge time.Duration) Task {
	return Task{
		Name:     "sweep_temp_dir",
		Interval: maxAge / 2,
		Run: func(ctx context.Context) error {
			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-maxAge)
			for _, e := range entries {
				info, err := e.Info()
				if err != nil {
					continue
				}
				if info.ModTime().Before(cutoff) {
					_ = os.Remove(filepath.Join(dir, e.Name()))
				}
			}
			return nil
		},
	}
}
