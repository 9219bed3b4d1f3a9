package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rustmailer/bichon/internal/config"
)

func testConfig(t *testing.T, rootDir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.RootDir = rootDir
	return cfg
}

func TestCheckRootDirWritablePassesForWritableDir(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	r := checkRootDirWritable(cfg)
	if r.Status != "pass" {
		t.Errorf("Status = %q, Message = %q", r.Status, r.Message)
	}
}

func TestCheckRootDirWritableFailsWhenMissing(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "does-not-exist"))
	r := checkRootDirWritable(cfg)
	if r.Status != "fail" {
		t.Errorf("Status = %q, want fail", r.Status)
	}
}

func TestCheckEncryptionKeyRotatedFailsOnDefault(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	r := checkEncryptionKeyRotated(cfg)
	if r.Status != "fail" {
		t.Errorf("Status = %q, want fail for the default key", r.Status)
	}
}

func TestCheckEncryptionKeyRotatedPassesOnceChanged(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Storage.EncryptPassword = "a-real-rotated-secret"
	r := checkEncryptionKeyRotated(cfg)
	if r.Status != "pass" {
		t.Errorf("Status = %q, want pass", r.Status)
	}
}

func TestCheckIndexDirectoriesWarnsWhenMissing(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	r := checkIndexDirectories(cfg)
	if r.Status != "warn" {
		t.Errorf("Status = %q, want warn before first start", r.Status)
	}
}

func TestCheckIndexDirectoriesPassesWhenPresent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	if err := os.MkdirAll(cfg.EnvelopeIndexDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cfg.EMLIndexDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	r := checkIndexDirectories(cfg)
	if r.Status != "pass" {
		t.Errorf("Status = %q, want pass", r.Status)
	}
}

func TestRunDoctorAggregatesCounts(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	results := RunDoctor(cfg)
	if len(results.Checks) != 6 {
		t.Fatalf("Checks = %d, want 6", len(results.Checks))
	}
	if results.Passed+results.Failed+results.Warned != len(results.Checks) {
		t.Errorf("counts don't add up: %+v", results)
	}
	if results.Healthy != (results.Failed == 0) {
		t.Errorf("Healthy = %v, Failed = %d", results.Healthy, results.Failed)
	}
}
