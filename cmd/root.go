package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/worker"
)

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the resolved configuration
	Cfg *config.Config
	// Logger is the process logger
	Logger *slog.Logger

	dbURL      string
	configPath string
	logLevel   string
	logJSON    bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face Recognition Attendance Engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		// Flags win over file and environment
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-json") {
			cfg.Log.JSON = logJSON
		}

		logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		Logger = logger
		Cfg = cfg

		for _, w := range cfg.Warnings() {
			logger.Warn("configuration", slog.String("warning", w))
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// A missing .env is fine; real environment variables still apply
	cobra.OnInitialize(func() { _ = godotenv.Load() })

	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/rollcall)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")
}

// startModel launches the Python model worker configured in Cfg. A worker that breaks is
// replaced on the next call.
func startModel() (*worker.Supervisor, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewSupervisor(func(id int) (*worker.PythonWorker, error) {
		return worker.NewPythonWorker(id, Cfg.Model.Python, Cfg.Model.Script)
	}, Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start AI worker: %w", err)
	}
	return w, nil
}
