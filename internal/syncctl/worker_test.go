package syncctl

import (
	"testing"
	"time"

	"github.com/rustmailer/bichon/internal/metastore"
)

func TestNextDelayUsesAccountIntervalWhenNoFailures(t *testing.T) {
	w := &worker{}
	account := &metastore.Account{SyncIntervalMinutes: 5}
	if got := w.nextDelay(account); got != 5*time.Minute {
		t.Errorf("nextDelay() = %v, want 5m", got)
	}
}

func TestNextDelayFloorsToMinSyncInterval(t *testing.T) {
	w := &worker{}
	account := &metastore.Account{SyncIntervalMinutes: 0}
	if got := w.nextDelay(account); got != minSyncInterval {
		t.Errorf("nextDelay() = %v, want %v", got, minSyncInterval)
	}
}

func TestNextDelayBacksOffExponentiallyAfterFailures(t *testing.T) {
	w := &worker{attempt: 1}
	account := &metastore.Account{SyncIntervalMinutes: 5}
	if got := w.nextDelay(account); got != backoffBase {
		t.Errorf("attempt=1: nextDelay() = %v, want %v", got, backoffBase)
	}

	w.attempt = 2
	if got := w.nextDelay(account); got != 2*backoffBase {
		t.Errorf("attempt=2: nextDelay() = %v, want %v", got, 2*backoffBase)
	}

	w.attempt = 3
	if got := w.nextDelay(account); got != 4*backoffBase {
		t.Errorf("attempt=3: nextDelay() = %v, want %v", got, 4*backoffBase)
	}
}

func TestNextDelayCapsBackoff(t *testing.T) {
	w := &worker{attempt: 20}
	account := &metastore.Account{SyncIntervalMinutes: 5}
	if got := w.nextDelay(account); got != backoffCap {
		t.Errorf("nextDelay() = %v, want cap %v", got, backoffCap)
	}
}

func TestIsNoSelect(t *testing.T) {
	if !isNoSelect([]string{`\HasChildren`, `\Noselect`}) {
		t.Error("expected \\Noselect attribute to be detected")
	}
	if isNoSelect([]string{`\HasChildren`}) {
		t.Error("expected no false positive without \\Noselect")
	}
	if isNoSelect(nil) {
		t.Error("expected nil attributes to not be no-select")
	}
}

func TestToSetBuildsLookupFromList(t *testing.T) {
	set := toSet([]string{"INBOX", "Sent"})
	if !set["INBOX"] || !set["Sent"] {
		t.Errorf("set = %v, want both INBOX and Sent present", set)
	}
	if set["Drafts"] {
		t.Error("expected Drafts to be absent")
	}
}

func TestToSetEmptyListReturnsNil(t *testing.T) {
	if got := toSet(nil); got != nil {
		t.Errorf("toSet(nil) = %v, want nil", got)
	}
}
