// Package cmd implements the dartctl command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/internal/config"
	"github.com/3leaps/dartctl/internal/observability"
)

// AppIdentity names the binary and its config/data directories.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// VersionInfo is stamped by the build.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	cfgFile string
	verbose bool

	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		ConfigName: config.AppName,
		EnvPrefix:  config.EnvPrefix + "_",
	}

	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

	// loadedConfig is populated by the root PersistentPreRunE.
	loadedConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dartctl",
	Short: "Submit data-parallel tasks and record every result",
	Long: `dartctl fans a task out over every file under a data source, tracks
progress, stores results and records one monitoring entry per finished task.

Sources are local directories or s3://bucket/prefix (s3a:// is accepted).
Monitoring goes to a local directory (monitoring_info.txt) or to an
http(s) time-series endpoint.

Configuration is read from dartctl.yaml in the working directory or the
user config directory, then DARTCTL_* environment variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig(commandContext(cmd))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./dartctl.yaml or $XDG_CONFIG_HOME/dartctl/dartctl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	setDefaults()
}

func initConfig(ctx context.Context) error {
	cfg, err := config.LoadFile(ctx, cfgFile)
	if err != nil {
		return err
	}
	loadedConfig = cfg

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := observability.Configure(appIdentity.BinaryName, level, cfg.Logging.Profile); err != nil {
		observability.CLILogger.Warn("Unknown log level, using info", zap.String("level", level))
	}
	return nil
}

// currentConfig returns the loaded config, loading defaults when the root
// pre-run was bypassed.
func currentConfig(ctx context.Context) (*config.Config, error) {
	if loadedConfig != nil {
		return loadedConfig, nil
	}
	if err := initConfig(ctx); err != nil {
		return nil, err
	}
	return loadedConfig, nil
}

// setDefaults mirrors the config defaults on the global viper so commands
// that read keys directly see the same values.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// jobsRootDir is where the job registry lives.
func jobsRootDir(cfg *config.Config) (string, error) {
	if cfg != nil && strings.TrimSpace(cfg.Jobs.Root) != "" {
		return cfg.Jobs.Root, nil
	}
	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		return "", fmt.Errorf("app identity is not available to derive the jobs directory")
	}
	return filepath.Join(gfconfig.GetAppDataDir(identity.ConfigName), "jobs"), nil
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitCodeError{Code: code, Err: fmt.Errorf("%s: %w (exit code %d)", message, err, code)}
}

// ExitCodeError carries the process exit code for an error.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string { return e.Err.Error() }
func (e *ExitCodeError) Unwrap() error { return e.Err }

// ExitWithCode logs err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
