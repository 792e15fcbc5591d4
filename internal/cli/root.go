package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/mvesched/internal/config"
	"github.com/me/mvesched/internal/logging"
)

var (
	flagServer    string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking MVESCHED_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("MVESCHED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the mvesched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mvesched",
		Short: "mvesched: MVE accelerator slot scheduler",
		Long: "mvesched inspects a running scheduler daemon and runs the scheduler locally\n" +
			"against a simulated accelerator.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Daemon URL (or MVESCHED_SERVER env)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file for local commands")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		// Daemon
		newStatusCmd(),
		newSessionsCmd(),
		newRunsCmd(),
		newRunCmd(),
		newCancelCmd(),
		newEventsCmd(),
		newSuspendCmd(),
		newResumeCmd(),
		newIRQDelayCmd(),
		// Local
		newSimulateCmd(),
		newRegsCmd(),
		newConfigCmd(),
	)

	return root
}

// loadConfig returns the --config file over the defaults, or the defaults.
func loadConfig() (config.Config, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}
