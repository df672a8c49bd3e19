// Package cli wires the clusterrun binary's cobra command tree: a
// "master" subcommand that runs the lifecycle driver against a bundled
// demo computation, and a "worker" subcommand that is never invoked
// directly by an operator — it is what LocalLauncher re-execs the binary
// as. Grounded on the teacher's internal/cli package: BuildCLI() entry
// point, YAML-backed Config struct, one buildXCommand() function per
// subcommand, box-drawn status output.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/democlosures"
	"github.com/ChuLiYu/clusterrun/internal/master"
	"github.com/ChuLiYu/clusterrun/internal/store"
	"github.com/ChuLiYu/clusterrun/internal/workerproc"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// Config is the master program's YAML configuration file shape.
type Config struct {
	Master struct {
		BindHost    string `yaml:"bind_host"`
		DBPath      string `yaml:"db_path"`
		LogFile     string `yaml:"log_file"`
		HoldHost    string `yaml:"hold_host"`
		MetricsPort int    `yaml:"metrics_port"`
	} `yaml:"master"`

	Worker struct {
		BinaryPath string `yaml:"binary_path"`
		LogDir     string `yaml:"log_dir"`
	} `yaml:"worker"`
}

var configFile string

// BuildCLI constructs the root cobra command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clusterrun",
		Short: "clusterrun: a distributed closure-execution framework",
		Long: `clusterrun runs short-lived Go computations across a pool of
worker processes: a master dials out to workers launched on demand,
hands them closures to execute, and coordinates optional holds for
operator intervention on failure.`,
		Version: "0.1.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "master config file path")

	rootCmd.AddCommand(buildMasterCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildMasterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the master lifecycle driver",
		Long:  "Start the master process: binds a node, starts the hold control plane, and runs the cluster computation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster()
		},
	}
	return cmd
}

func runMaster() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("cli: loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	opts := master.Options{
		BindHost:         cfg.Master.BindHost,
		DBPath:           cfg.Master.DBPath,
		LogFile:          cfg.Master.LogFile,
		HoldHost:         cfg.Master.HoldHost,
		MetricsPort:      cfg.Master.MetricsPort,
		WorkerBinaryPath: cfg.Worker.BinaryPath,
		WorkerLogDir:     cfg.Worker.LogDir,
	}

	return master.Run(ctx, opts, democlosures.Registry(), democlosures.RunDemo)
}

func buildWorkerCommand() *cobra.Command {
	var masterAddr string
	var serviceID string
	var logFile string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a worker process (internal use: launched by the master, not invoked directly)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if masterAddr == "" || serviceID == "" {
				return fmt.Errorf("cli: --master-address and --service are required")
			}
			return workerproc.Run(workerproc.Config{
				MasterAddr: masterAddr,
				ServiceId:  types.ServiceId(serviceID),
				LogFile:    logFile,
				Registry:   democlosures.Registry(),
			})
		},
	}

	cmd.Flags().StringVar(&masterAddr, "master-address", "", "dialable address of the master's registration endpoint")
	cmd.Flags().StringVar(&serviceID, "service", "", "service id this worker is registering under")
	cmd.Flags().StringVar(&logFile, "log-file", "", "path to redirect this worker's log output to")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded program runs",
		Long:  "Read the program bookkeeping database and print every recorded run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("cli: loading config: %w", err)
	}

	db, err := store.Open(cfg.Master.DBPath)
	if err != nil {
		return fmt.Errorf("cli: opening program database: %w", err)
	}
	defer db.Close()

	records, err := db.List()
	if err != nil {
		return fmt.Errorf("cli: listing program runs: %w", err)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║            clusterrun Program Status                       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Config file: %s\n", configFile)
	fmt.Printf("Database:    %s\n", cfg.Master.DBPath)
	fmt.Println()

	if len(records) == 0 {
		fmt.Println("No program runs recorded yet.")
		return nil
	}

	for _, r := range records {
		fmt.Printf("├─ %s\n", r.ProgramId)
		fmt.Printf("│  ├─ started:  %s\n", r.StartedAt.Format(time.RFC3339))
		if !r.FinishedAt.IsZero() {
			fmt.Printf("│  ├─ finished: %s\n", r.FinishedAt.Format(time.RFC3339))
			fmt.Printf("│  └─ outcome:  %s\n", r.Outcome)
		} else {
			fmt.Printf("│  └─ status:   running\n")
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cli: reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cli: parsing config YAML: %w", err)
	}
	return &cfg, nil
}

// init quiets clog's default stderr destination down to info level until
// a subcommand re-Inits it against its own log file.
func init() {
	clog.Init(clog.Config{Level: clog.InfoLevel})
}
