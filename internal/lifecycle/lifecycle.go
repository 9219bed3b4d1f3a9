// Package lifecycle coordinates process-wide startup signal handling and
// ordered shutdown (spec.md §5 "Global singletons... teardown: stop
// accepting -> drain -> flush -> commit -> close").
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustmailer/bichon/internal/logging"
)

// Stopper is one component with an ordered teardown step. Name is used
// only for logging.
type Stopper struct {
	Name string
	Stop func(ctx context.Context) error
}

// Controller runs registered Stoppers in reverse-registration order on
// shutdown, mirroring the teacher's cleanup() (stop accepting first,
// close the database last).
type Controller struct {
	log      *logging.Logger
	stoppers []Stopper
	timeout  time.Duration
}

func New(log *logging.Logger, shutdownTimeout time.Duration) *Controller {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Controller{log: log, timeout: shutdownTimeout}
}

// Register appends a component to the shutdown sequence; components are
// stopped in reverse order of registration, so register in startup order.
func (c *Controller) Register(s Stopper) {
	c.stoppers = append(c.stoppers, s)
}

// WaitForSignal blocks until SIGINT/SIGTERM/SIGHUP, then runs Shutdown.
func (c *Controller) WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	c.log.InfoContext(context.Background(), "received shutdown signal", "signal", sig.String())
	c.Shutdown()
}

// Shutdown runs every registered Stopper in reverse order, logging but
// not aborting on individual failures — spec.md's teardown sequence is
// best-effort-ordered, the same as the account-deletion cleanup chain.
func (c *Controller) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.log.InfoContext(ctx, "starting graceful shutdown")
	for i := len(c.stoppers) - 1; i >= 0; i-- {
		s := c.stoppers[i]
		c.log.InfoContext(ctx, "shutting down component", "component", s.Name)
		if err := s.Stop(ctx); err != nil {
			c.log.ErrorContext(ctx, "component shutdown error", err, "component", s.Name)
		}
	}
	c.log.InfoContext(ctx, "shutdown complete")
}
