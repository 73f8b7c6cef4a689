package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/config"
	"github.com/cuemby/vaultkeeper/pkg/health"
	"github.com/cuemby/vaultkeeper/pkg/history"
	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/manager"
	"github.com/cuemby/vaultkeeper/pkg/pipeline"
	"github.com/cuemby/vaultkeeper/pkg/registry"
	"github.com/cuemby/vaultkeeper/pkg/runtime"
	"github.com/cuemby/vaultkeeper/pkg/scheduler"
	"github.com/cuemby/vaultkeeper/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultkeeper",
	Short: "vaultkeeper - container-aware backup orchestrator",
	Long: `vaultkeeper discovers groups of running containers, backs up their
databases and files, and enforces retention policies on the resulting
archives. It runs as a one-shot CLI command or as a scheduling daemon.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vaultkeeper version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to JSON/YAML config file (overrides CONFIG_FILE)")

	cobra.OnInitialize(initLogging)

	backupCmd.Flags().String("services", "", "Comma-separated list of service names to back up (default: all)")
	statusCmd.Flags().String("output", "text", "Output format: text or json")
	scheduleCmd.Flags().String("interval", "24h", "Backup wave interval, e.g. 6h")
	scheduleCmd.Flags().String("retention-interval", "24h", "Retention sweep interval, e.g. 24h")
	scheduleCmd.Flags().Bool("no-initial-backup", false, "Skip running a backup wave immediately on startup")

	rootCmd.AddCommand(backupCmd, statusCmd, retentionCmd, scheduleCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		logLevel = envLevel
	}
	jsonOutput := strings.EqualFold(os.Getenv("LOG_FORMAT"), "json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: jsonOutput,
	})
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run a backup wave",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildManager(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		names := splitCSV(mustFlagString(cmd, "services"))

		results, err := mgr.Run(cmd.Context(), names)
		if err != nil {
			return fmt.Errorf("backup wave failed: %w", err)
		}

		allSucceeded := true
		for service, ok := range results {
			if ok {
				fmt.Printf("%s: success\n", service)
			} else {
				fmt.Printf("%s: failed\n", service)
				allSucceeded = false
			}
		}
		if !allSucceeded {
			os.Exit(1)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report backup archive status",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildManager(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := mgr.Status()
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		if mustFlagString(cmd, "output") == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		fmt.Printf("backup dir: %s\n", st.BackupDir)
		fmt.Printf("active backups: %s\n", strings.Join(st.ActiveBackups, ", "))
		for _, svc := range st.Services {
			fmt.Printf("- %s: %d archives, %d bytes", svc.Service, svc.Count, svc.TotalSize)
			if svc.Latest != nil {
				fmt.Printf(", latest %s", svc.Latest.Timestamp.Format(time.RFC3339))
			}
			fmt.Println()
		}
		return nil
	},
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply retention policies once",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildManager(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		deleted, err := mgr.RunRetentionOnly(cmd.Context())
		if err != nil {
			return fmt.Errorf("retention sweep failed: %w", err)
		}
		fmt.Printf("deleted %d archives\n", deleted)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run backup and retention on a schedule until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildManager(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		interval, err := scheduler.ParseInterval(mustFlagString(cmd, "interval"))
		if err != nil {
			return err
		}
		retentionInterval, err := scheduler.ParseInterval(mustFlagString(cmd, "retention-interval"))
		if err != nil {
			return err
		}
		noInitial, _ := cmd.Flags().GetBool("no-initial-backup")

		sched := scheduler.New(mgr, scheduler.Config{
			BackupInterval:    interval,
			RetentionInterval: retentionInterval,
			RunInitialBackup:  !noInitial,
		})
		sched.Run(cmd.Context())
		return nil
	},
}

// buildManager wires the Runtime Adapter, Registry Adapter, Config
// Resolver, and history ledger into a Backup Manager, reading
// configuration from flags and the environment variables of spec §6.
func buildManager(cmd *cobra.Command) (*manager.Manager, func(), error) {
	execTimeout := time.Duration(envInt("DOCKER_EXEC_TIMEOUT", int(runtime.DefaultExecTimeout/time.Second))) * time.Second
	rt, err := runtime.NewContainerdRuntime("",
		runtime.WithReadOnly(readOnlyFromEnv()),
		runtime.WithExecTimeout(execTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to container runtime: %w", err)
	}

	reg, err := buildRegistry()
	if err != nil {
		return nil, nil, err
	}

	configFile := mustFlagString(cmd, "config")
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	configRes, err := config.NewResolver(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	backupDir := envOr("BACKUP_DIR", "/backups")
	historyStore, err := history.Open(backupDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history store: %w", err)
	}

	mgr, err := manager.New(manager.Config{
		Runtime:                  rt,
		Registry:                 reg,
		ConfigRes:                configRes,
		HistoryStore:             historyStore,
		BackupDir:                backupDir,
		ScratchDir:               envOr("SCRATCH_DIR", "/tmp/vaultkeeper"),
		MaxWorkers:               envInt("MAX_CONCURRENT_BACKUPS", 3),
		SelfNames:                splitCSV(os.Getenv("BACKUP_SERVICE_NAMES")),
		StackNames:               stackNames(cmd.Context(), reg),
		HealthFn:                 containerHealthCheck(rt),
		RetentionDays:            envInt("BACKUP_RETENTION_DAYS", 7),
		ExcludeServiceNames:      splitCSVOrSpace(os.Getenv("EXCLUDE_FROM_BACKUP")),
		ExcludeMountPaths:        splitCSV(os.Getenv("EXCLUDE_MOUNT_PATHS")),
		BackupMethod:             envOr("BACKUP_METHOD", "mounts"),
		MinRequiredSpaceMB:       int64(envInt("MIN_REQUIRED_SPACE", 0)),
		MaxContainerBackupSizeMB: int64(envInt("MAX_CONTAINER_BACKUP_SIZE", 0)),
	})
	if err != nil {
		historyStore.Close()
		return nil, nil, err
	}

	cleanup := func() { historyStore.Close() }
	return mgr, cleanup, nil
}

// imageFamilyPorts maps a database/service image family to the port its
// default build listens on, used to construct a TCP probe when the
// family offers no exec-friendly readiness command.
var imageFamilyPorts = []struct {
	substr string
	port   int
}{
	{"mysql", 3306},
	{"mariadb", 3306},
	{"mongo", 27017},
	{"redis", 6379},
}

// httpImageFamilies are image substrings for services healthy-checked
// over HTTP rather than a bare TCP dial.
var httpImageFamilies = []struct {
	substr string
	port   int
	path   string
}{
	{"nginx", 80, "/"},
	{"apache", 80, "/"},
	{"httpd", 80, "/"},
	{"caddy", 80, "/"},
	{"wordpress", 80, "/"},
}

// containerHealthCheck runs the container's declared health probe (if
// any) via an in-container exec. Absent a declared probe, it falls back
// to an image-family heuristic: postgres gets an exec pg_isready,
// known TCP-speaking databases get a TCP dial on their default port,
// known web servers get an HTTP GET, and anything else is treated as
// healthy as soon as it's running.
func containerHealthCheck(rt runtime.ContainerRuntime) pipeline.HealthCheckFunc {
	return func(ctx context.Context, c types.Container) bool {
		if cmd, ok := c.Labels["backup.health_check"]; ok && cmd != "" {
			checker := health.NewExecChecker(strings.Fields(cmd)).WithContainer(c.ID, rt)
			return checker.Check(ctx).Healthy
		}

		if checker := imageFamilyChecker(c, rt); checker != nil {
			return checker.Check(ctx).Healthy
		}

		return true
	}
}

// imageFamilyChecker returns the health.Checker appropriate for the
// container's image family, or nil when none applies.
func imageFamilyChecker(c types.Container, rt runtime.ContainerRuntime) health.Checker {
	lower := strings.ToLower(c.Image)

	if strings.Contains(lower, "postgres") {
		return health.NewExecChecker([]string{"pg_isready"}).WithContainer(c.ID, rt)
	}

	for _, f := range imageFamilyPorts {
		if strings.Contains(lower, f.substr) {
			return health.NewTCPChecker(fmt.Sprintf("%s:%d", c.Name, f.port))
		}
	}

	for _, f := range httpImageFamilies {
		if strings.Contains(lower, f.substr) {
			return health.NewHTTPChecker(fmt.Sprintf("http://%s:%d%s", c.Name, f.port, f.path))
		}
	}

	return nil
}

// stackNames lists the registry's known stack names, used to recognize
// compose-project-prefixed container names that carry no discovery
// label. A registry lookup failure yields no stack names rather than
// failing the whole command: discovery still falls back to bare
// container names.
func stackNames(ctx context.Context, reg *registry.PortainerRegistry) []string {
	stacks, err := reg.ListStacks(ctx)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(stacks))
	for name := range stacks {
		names = append(names, name)
	}
	return names
}

func buildRegistry() (*registry.PortainerRegistry, error) {
	cfg := registry.DefaultConfig()
	cfg.URL = os.Getenv("PORTAINER_URL")
	cfg.APIKey = os.Getenv("PORTAINER_API_KEY")
	cfg.Insecure = strings.EqualFold(os.Getenv("PORTAINER_INSECURE"), "true")

	if v := envInt("PORTAINER_CONNECT_TIMEOUT", 0); v > 0 {
		cfg.ConnectTimeout = time.Duration(v) * time.Second
	}
	if v := envInt("PORTAINER_READ_TIMEOUT", 0); v > 0 {
		cfg.ReadTimeout = time.Duration(v) * time.Second
	}
	if v := envInt("PORTAINER_RETRY_TOTAL", 0); v > 0 {
		cfg.RetryTotal = v
	}
	if v := envInt("PORTAINER_RETRY_BACKOFF", 0); v > 0 {
		cfg.RetryBackoff = time.Duration(v) * time.Second
	}
	if v := envInt("PORTAINER_CACHE_TTL", 0); v > 0 {
		cfg.CacheTTL = time.Duration(v) * time.Second
	}

	return registry.NewPortainerRegistry(cfg)
}

func readOnlyFromEnv() bool {
	v := os.Getenv("DOCKER_READ_ONLY")
	if v == "" {
		return true
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func mustFlagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitCSVOrSpace parses a comma-and/or-space separated list, lower-
// cased, matching EXCLUDE_FROM_BACKUP's accepted formats.
func splitCSVOrSpace(s string) []string {
	var out []string
	for _, commaPart := range strings.Split(s, ",") {
		for _, part := range strings.Fields(commaPart) {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
