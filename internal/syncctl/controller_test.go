package syncctl

import (
	"context"
	"runtime"
	"testing"

	"github.com/rustmailer/bichon/internal/logging"
)

func newTestController(t *testing.T, concurrency int) *Controller {
	t.Helper()
	store := newTestStore(t)
	box := newTestBox(t)
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	return New(store, box, nil, nil, log, concurrency)
}

func TestNewDefaultsConcurrencyToNumCPU(t *testing.T) {
	c := newTestController(t, 0)
	if cap(c.sem) != runtime.NumCPU() {
		t.Errorf("cap(sem) = %d, want %d", cap(c.sem), runtime.NumCPU())
	}
}

func TestNewHonorsExplicitConcurrency(t *testing.T) {
	c := newTestController(t, 3)
	if cap(c.sem) != 3 {
		t.Errorf("cap(sem) = %d, want 3", cap(c.sem))
	}
}

func TestStartAllWithNoAccountsIsANoop(t *testing.T) {
	c := newTestController(t, 1)
	if err := c.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error: %v", err)
	}
	c.mu.Lock()
	n := len(c.workers)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("len(workers) = %d, want 0", n)
	}
}

func TestStopUnknownAccountIsANoop(t *testing.T) {
	c := newTestController(t, 1)
	c.Stop(999)
}

func TestShutdownWithNoWorkersReturnsImmediately(t *testing.T) {
	c := newTestController(t, 1)
	c.Shutdown()
}
