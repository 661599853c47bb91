package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/internal/observability"
	"github.com/3leaps/dartctl/pkg/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Operate on the monitoring sink",
}

var monitorClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every monitoring record",
	Long: `Remove every monitoring record from the configured sink.

For a directory sink this deletes monitoring_info.txt. For a time-series
endpoint it drops every series of the configured measurement.`,
	Args: cobra.NoArgs,
	RunE: runMonitorClear,
}

var monitorProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the monitoring sink is reachable",
	Args:  cobra.NoArgs,
	RunE:  runMonitorProbe,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.AddCommand(monitorClearCmd)
	monitorCmd.AddCommand(monitorProbeCmd)

	monitorCmd.PersistentFlags().String("address", "", "Sink address (default from config)")
}

func openSink(cmd *cobra.Command) (monitor.Sink, error) {
	ctx := commandContext(cmd)
	cfg, err := currentConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	mc := cfg.MonitorSink()
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		mc.Address = addr
	}
	sink, err := monitor.New(mc, observability.CLILogger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid monitoring sink", err)
	}
	return sink, nil
}

func runMonitorClear(cmd *cobra.Command, _ []string) error {
	sink, err := openSink(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Clear(commandContext(cmd)); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to clear monitoring sink", err)
	}
	observability.CLILogger.Info("Monitoring sink cleared",
		zap.String("address", sink.Address()),
		zap.String("backend", sink.Backend()))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", sink.Address())
	return nil
}

func runMonitorProbe(cmd *cobra.Command, _ []string) error {
	sink, err := openSink(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Probe(commandContext(cmd)); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Monitoring sink unreachable", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%s)\n", sink.Address(), sink.Backend())
	return nil
}
