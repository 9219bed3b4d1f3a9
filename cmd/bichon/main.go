package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/config"
	"github.com/rustmailer/bichon/internal/cryptutil"
	"github.com/rustmailer/bichon/internal/httpapi"
	"github.com/rustmailer/bichon/internal/ingest"
	"github.com/rustmailer/bichon/internal/lifecycle"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/metrics"
	"github.com/rustmailer/bichon/internal/searchindex"
	"github.com/rustmailer/bichon/internal/setup"
	"github.com/rustmailer/bichon/internal/syncctl"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bichon",
	Short: "Self-hosted email archiving service",
	Long: `Bichon archives email from IMAP accounts and MBOX/EML imports into a
searchable, tag-able local index, exposed over a JSON HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

// deployment bundles the process-wide singletons `serve`, `import-mbox`
// and `user add` all need, so those commands share one wiring path.
type deployment struct {
	log      *logging.Logger
	store    *metastore.Store
	box      *cryptutil.SecretBox
	envIdx   *searchindex.EnvelopeIndex
	emlIdx   *searchindex.EMLIndex
	importer *ingest.Importer
	sync     *syncctl.Controller
	auth     *authz.Authenticator
	limiter  authz.Limiter
}

func openDeployment(ctx context.Context) (*deployment, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:          cfg.Logging.Level,
		ANSILogs:       cfg.Logging.ANSILogs,
		LogToFile:      cfg.Logging.LogToFile,
		LogFilePath:    cfg.Path("bichon.log"),
		JSONLogs:       cfg.Logging.JSONLogs,
		MaxServerFiles: cfg.Logging.MaxServerFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := metastore.Open(ctx, cfg.MetaDBPath(), cfg.MailboxDBPath(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	store.SetWebUITokenMaxAge(cfg.WebUITokenMaxAgeDuration())
	if err := store.SeedReservedRoles(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to seed reserved roles: %w", err)
	}

	box, err := cryptutil.NewSecretBox(cfg.Storage.EncryptPassword)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize secret box: %w", err)
	}

	envIdx, err := searchindex.OpenEnvelopeIndex(cfg.EnvelopeIndexDir(), log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open envelope index: %w", err)
	}

	emlIdx, err := searchindex.OpenEMLIndex(cfg.EMLIndexDir(), cfg.TempDir(), log)
	if err != nil {
		store.Close()
		envIdx.Close()
		return nil, fmt.Errorf("failed to open EML index: %w", err)
	}

	importer := ingest.New(store, envIdx, emlIdx, log)

	concurrency := cfg.SyncConcurrency(runtime.NumCPU())
	sync := syncctl.New(store, box, envIdx, emlIdx, log, concurrency)

	limiter, err := authz.NewLimiter(cfg.Storage.RedisURL, log)
	if err != nil {
		store.Close()
		envIdx.Close()
		emlIdx.Close()
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	auth := authz.NewAuthenticator(store, limiter)

	return &deployment{
		log: log, store: store, box: box, envIdx: envIdx, emlIdx: emlIdx,
		importer: importer, sync: sync, auth: auth, limiter: limiter,
	}, nil
}

func (d *deployment) close() {
	d.sync.Shutdown()
	if closer, ok := d.limiter.(interface{ Close() error }); ok {
		closer.Close()
	}
	d.emlIdx.Close()
	d.envIdx.Close()
	d.store.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the archiving service and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx := context.Background()
		d, err := openDeployment(ctx)
		if err != nil {
			return err
		}
		d.log.InfoContext(ctx, "bichon starting", "root_dir", cfg.Storage.RootDir)

		if cfg.UsesDefaultEncryptionKey() {
			d.log.WarnContext(ctx, "storage.encrypt_password is still the documented default; rotate it before storing real credentials")
		}

		lc := lifecycle.New(d.log, cfg.ShutdownTimeoutDuration())
		addr := fmt.Sprintf("%s:%d", cfg.Server.BindIP, cfg.Server.HTTPPort)

		httpServer := httpapi.New(&httpapi.Deps{
			Store: d.store, Box: d.box, EnvIdx: d.envIdx, EmlIdx: d.emlIdx,
			Importer: d.importer, Sync: d.sync, Auth: d.auth, Log: d.log,
			CORSOrigins:    splitCSV(cfg.Server.CORSOrigins),
			CORSMaxAge:     cfg.Server.CORSMaxAge,
			MboxImportRoot: cfg.MboxImportDir(),
		}, addr)

		lc.Register(lifecycle.Stopper{Name: "store", Stop: func(context.Context) error { return d.store.Close() }})
		lc.Register(lifecycle.Stopper{Name: "envelope_index", Stop: func(context.Context) error { return d.envIdx.Close() }})
		lc.Register(lifecycle.Stopper{Name: "eml_index", Stop: func(context.Context) error { return d.emlIdx.Close() }})
		lc.Register(lifecycle.Stopper{Name: "sync", Stop: func(context.Context) error {
			d.sync.Shutdown()
			return nil
		}})
		lc.Register(lifecycle.Stopper{Name: "http", Stop: httpServer.Shutdown})

		startedAt := time.Now()
		scheduler := lifecycle.NewScheduler(d.log)
		scheduler.Start(ctx, lifecycle.SweepTempDir(cfg.TempDir(), cfg.TempSweepMaxAge()),
			lifecycle.Task{
				Name:     "report_uptime",
				Interval: 15 * time.Second,
				Run: func(context.Context) error {
					metrics.Uptime.Set(time.Since(startedAt).Seconds())
					return nil
				},
			})

		if err := d.sync.StartAll(ctx); err != nil {
			d.log.ErrorContext(ctx, "failed to resume account sync on startup", err)
		}

		go func() {
			d.log.InfoContext(ctx, "http server listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil {
				d.log.ErrorContext(ctx, "http server stopped", err)
			}
		}()

		lc.WaitForSignal()
		d.log.InfoContext(ctx, "shutdown complete")
		return nil
	},
}

var importMboxCmd = &cobra.Command{
	Use:   "import-mbox <account-id> <path> [folder]",
	Short: "Import a local MBOX file into an account's archive",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := parseUint(args[0])
		if err != nil {
			return err
		}
		folder := "INBOX"
		if len(args) == 3 {
			folder = args[2]
		}

		ctx := context.Background()
		d, err := openDeployment(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		result, err := d.importer.ImportMbox(ctx, args[1], accountID, folder)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("imported %d messages, %d failed offsets\n", result.Imported, len(result.FailedOffsets))
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator/viewer users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username> <email> <password>",
	Short: "Create a user and grant it a global role",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleName, _ := cmd.Flags().GetString("role")

		ctx := context.Background()
		d, err := openDeployment(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		role, err := d.store.GetRoleByName(ctx, roleName)
		if err != nil {
			return fmt.Errorf("role %q not found: %w", roleName, err)
		}

		u := &metastore.User{
			Username: args[0], Email: args[1],
			GlobalRoleIDs: []uint64{role.ID},
			RateQuota:     cfg.RateLim.DefaultQuota, RateIntervalSeconds: cfg.RateLim.DefaultInterval,
		}
		if err := d.store.CreateUser(ctx, u, args[2]); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		fmt.Printf("user %q created with id %d, role %q\n", u.Username, u.ID, roleName)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Validate configuration and storage without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			fmt.Printf("[FAIL] configuration: %v\n", err)
			return err
		}

		results := setup.RunDoctor(cfg)
		results.Print()
		if !results.Healthy {
			return fmt.Errorf("doctor checks reported %d failure(s)", results.Failed)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bichon v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	userAddCmd.Flags().String("role", "viewer", "global role to grant (admin, manager, viewer)")

	userCmd.AddCommand(userAddCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importMboxCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

func parseUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return v, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
