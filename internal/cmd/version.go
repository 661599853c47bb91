package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

type versionReport struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Go        string `json:"go"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

func currentVersion() versionReport {
	v := crucible.GetVersion()
	return versionReport{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		Go:        runtime.Version(),
		Gofulmen:  v.Gofulmen,
		Crucible:  v.Crucible,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	report := currentVersion()
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	name := "dartctl"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", name, report.Version)
	_, _ = fmt.Fprintf(out, "  commit:     %s\n", report.Commit)
	_, _ = fmt.Fprintf(out, "  built:      %s\n", report.BuildDate)
	_, _ = fmt.Fprintf(out, "  go:         %s\n", report.Go)
	if report.Gofulmen != "" {
		_, _ = fmt.Fprintf(out, "  gofulmen:   %s\n", report.Gofulmen)
	}
	if report.Crucible != "" {
		_, _ = fmt.Fprintf(out, "  crucible:   %s\n", report.Crucible)
	}
	return nil
}
