// Package setup implements `bichon doctor`: a set of runtime health checks
// a deployed instance can run against its own configuration and on-disk
// state, without needing a live IMAP account to test against.
package setup

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustmailer/bichon/internal/config"
)

// CheckResult represents the result of a single check.
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warn"
	Message string
	Help    string
}

// DoctorResults contains all doctor check results.
type DoctorResults struct {
	Checks  []CheckResult
	Passed  int
	Failed  int
	Warned  int
	Healthy bool
}

// RunDoctor runs every health check against the given configuration.
func RunDoctor(cfg *config.Config) *DoctorResults {
	results := &DoctorResults{}

	checks := []func(*config.Config) CheckResult{
		checkRootDirWritable,
		checkDiskSpace,
		checkMetadataStore,
		checkEncryptionKeyRotated,
		checkIndexDirectories,
		checkRedisReachable,
	}

	for _, check := range checks {
		result := check(cfg)
		results.Checks = append(results.Checks, result)

		switch result.Status {
		case "pass":
			results.Passed++
		case "fail":
			results.Failed++
		case "warn":
			results.Warned++
		}
	}

	results.Healthy = results.Failed == 0

	return results
}

// Print renders the doctor results to stdout.
func (r *DoctorResults) Print() {
	fmt.Println("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("                    BICHON DOCTOR")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	for _, check := range r.Checks {
		icon := "✓"
		color := "\033[32m"
		if check.Status == "fail" {
			icon = "✗"
			color = "\033[31m"
		} else if check.Status == "warn" {
			icon = "!"
			color = "\033[33m"
		}
		reset := "\033[0m"

		fmt.Printf("%s%s%s %s\n", color, icon, reset, check.Name)
		if check.Message != "" {
			fmt.Printf("  %s\n", check.Message)
		}
		if check.Status == "fail" && check.Help != "" {
			fmt.Printf("  → %s\n", check.Help)
		}
		fmt.Println()
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Results: %d passed, %d failed, %d warnings\n", r.Passed, r.Failed, r.Warned)

	if r.Healthy {
		fmt.Println("\033[32m✓ Bichon instance is healthy!\033[0m")
	} else {
		fmt.Println("\033[31m✗ Bichon instance has issues. Check above.\033[0m")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func checkRootDirWritable(cfg *config.Config) CheckResult {
	root := cfg.Storage.RootDir

	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Storage root directory",
			Status:  "fail",
			Message: "root_dir does not exist: " + root,
			Help:    fmt.Sprintf("Create it: mkdir -p %s", root),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:    "Storage root directory",
			Status:  "fail",
			Message: "root_dir is not a directory: " + root,
		}
	}

	testFile := root + "/.bichon_write_test"
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:    "Storage root directory",
			Status:  "fail",
			Message: "root_dir is not writable",
			Help:    fmt.Sprintf("Fix permissions on %s", root),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:    "Storage root directory",
		Status:  "pass",
		Message: root + " exists and is writable",
	}
}

func checkDiskSpace(cfg *config.Config) CheckResult {
	cmd := exec.Command("df", "-BG", cfg.Storage.RootDir)
	output, err := cmd.Output()
	if err != nil {
		cmd = exec.Command("df", "-g", cfg.Storage.RootDir)
		output, err = cmd.Output()
		if err != nil {
			return CheckResult{
				Name:    "Disk space",
				Status:  "warn",
				Message: "Could not check disk space",
			}
		}
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) < 2 {
		return CheckResult{Name: "Disk space", Status: "warn", Message: "Could not parse disk space"}
	}

	fields := strings.Fields(lines[1])
	if len(fields) < 5 {
		return CheckResult{Name: "Disk space", Status: "warn", Message: "Could not parse disk space"}
	}

	availStr := strings.TrimSuffix(fields[3], "G")
	var freeGB int64
	fmt.Sscanf(availStr, "%d", &freeGB)

	usedPercentStr := strings.TrimSuffix(fields[4], "%")
	var usedPercent int64
	fmt.Sscanf(usedPercentStr, "%d", &usedPercent)

	if freeGB < 1 {
		return CheckResult{
			Name:    "Disk space",
			Status:  "fail",
			Message: fmt.Sprintf("Only %d GB free (%d%% used)", freeGB, usedPercent),
			Help:    "Free up disk space or enlarge the volume backing root_dir",
		}
	} else if usedPercent > 80 {
		return CheckResult{
			Name:    "Disk space",
			Status:  "warn",
			Message: fmt.Sprintf("%d GB free (%d%% used)", freeGB, usedPercent),
		}
	}

	return CheckResult{
		Name:    "Disk space",
		Status:  "pass",
		Message: fmt.Sprintf("%d GB free (%d%% used)", freeGB, usedPercent),
	}
}

func checkMetadataStore(cfg *config.Config) CheckResult {
	db, err := sql.Open("sqlite3", cfg.MetaDBPath())
	if err != nil {
		return CheckResult{
			Name:    "Metadata store",
			Status:  "fail",
			Message: "Cannot open meta.db",
			Help:    err.Error(),
		}
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return CheckResult{
			Name:    "Metadata store",
			Status:  "fail",
			Message: "meta.db not responding",
			Help:    err.Error(),
		}
	}

	var count int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='accounts'").Scan(&count)
	if err != nil || count == 0 {
		return CheckResult{
			Name:    "Metadata store",
			Status:  "warn",
			Message: "accounts table missing — migrations have not run yet",
			Help:    "Start bichon once to apply migrations",
		}
	}

	return CheckResult{
		Name:    "Metadata store",
		Status:  "pass",
		Message: "meta.db connected and migrated",
	}
}

func checkEncryptionKeyRotated(cfg *config.Config) CheckResult {
	if cfg.UsesDefaultEncryptionKey() {
		return CheckResult{
			Name:    "Secret encryption key",
			Status:  "fail",
			Message: "storage.encrypt_password is still the documented default",
			Help:    "Set storage.encrypt_password to a unique secret before storing any IMAP credentials",
		}
	}
	return CheckResult{
		Name:    "Secret encryption key",
		Status:  "pass",
		Message: "storage.encrypt_password has been rotated",
	}
}

func checkIndexDirectories(cfg *config.Config) CheckResult {
	missing := []string{}
	for _, dir := range []string{cfg.EnvelopeIndexDir(), cfg.EMLIndexDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			missing = append(missing, dir)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Search index directories",
			Status:  "warn",
			Message: "not yet created: " + strings.Join(missing, ", "),
			Help:    "They are created on first start; run bichon once before importing mail",
		}
	}
	return CheckResult{
		Name:    "Search index directories",
		Status:  "pass",
		Message: "envelope and EML index segment directories exist",
	}
}

func checkRedisReachable(cfg *config.Config) CheckResult {
	_ = cfg
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", "localhost:6379")
	if err != nil {
		return CheckResult{
			Name:    "Redis (optional)",
			Status:  "warn",
			Message: "Redis not reachable on localhost:6379 — rate-limit counters will be in-memory only",
		}
	}
	conn.Close()

	return CheckResult{
		Name:    "Redis (optional)",
		Status:  "pass",
		Message: "Redis is reachable; rate-limit counters can persist across restarts",
	}
}
