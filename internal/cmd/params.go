package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dartctl/internal/observability"
	"github.com/3leaps/dartctl/pkg/output"
	"github.com/3leaps/dartctl/pkg/params"
	"github.com/3leaps/dartctl/pkg/provider"
	"github.com/3leaps/dartctl/pkg/task"
)

var paramsCmd = &cobra.Command{
	Use:   "params <source>",
	Short: "Print the parameter groups a run would submit",
	Long: `Enumerate source the same way 'dartctl run' does and print the
resulting parameter groups without running anything.

Examples:
  dartctl params ./corpus
  dartctl params s3://bucket/books --subpath 2024 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runParams,
}

func init() {
	rootCmd.AddCommand(paramsCmd)

	paramsCmd.Flags().String("subpath", "", "Sub-path under the source to enumerate")
	paramsCmd.Flags().String("template", "", "Parameter template file (YAML or JSON)")
	paramsCmd.Flags().StringArray("set", nil, "Set a template field (key=value, repeatable)")
	paramsCmd.Flags().String("include", "", "Only enumerate entries matching this glob")
	paramsCmd.Flags().Bool("json", false, "Output as JSONL params records")
}

func runParams(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	subpath, _ := cmd.Flags().GetString("subpath")
	templatePath, _ := cmd.Flags().GetString("template")
	sets, _ := cmd.Flags().GetStringArray("set")
	include, _ := cmd.Flags().GetString("include")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	template := task.Params{}
	if templatePath != "" {
		if template, err = params.LoadTemplate(templatePath); err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to load template", err)
		}
	}
	if err := params.ApplyOverrides(template, sets); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --set", err)
	}

	enum := &params.Enumerator{
		S3Config: cfg.S3Provider(),
		Include:  include,
		Location: cfg.Runtime.Location,
		Logger:   observability.CLILogger,
	}
	groups, err := enum.PrepareParameters(ctx, args[0], subpath, template)
	if err != nil {
		return sourceError(err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		w := output.NewJSONLWriter(out, "")
		defer func() { _ = w.Close() }()
		for _, g := range groups {
			if err := w.WriteParams(ctx, &output.ParamsRecord{Location: g.Location, Parameters: g.Parameters}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, g := range groups {
		_, _ = fmt.Fprintf(out, "location: %s (%d tasks)\n", g.Location, len(g.Parameters))
		for _, p := range g.Parameters {
			_, _ = fmt.Fprintf(out, "  %s\n", p)
		}
	}
	return nil
}

// sourceError maps an enumeration failure to the exit status for it.
func sourceError(err error) error {
	switch {
	case errors.Is(err, params.ErrUnsupportedScheme), errors.Is(err, params.ErrInvalidSource):
		return exitError(foundry.ExitInvalidArgument, "Unsupported source", err)
	case provider.IsBucketNotFound(err):
		return exitError(foundry.ExitInvalidArgument, "Bucket does not exist", err)
	case provider.IsInvalidCredentials(err):
		return exitError(foundry.ExitInvalidArgument, "Storage credentials rejected", err)
	case provider.IsAccessDenied(err):
		return exitError(foundry.ExitFileReadError, "Access to source denied", err)
	case provider.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, "Source not found", err)
	case provider.IsThrottled(err), provider.IsProviderUnavailable(err):
		return exitError(foundry.ExitExternalServiceUnavailable, "Storage service unavailable", err)
	}
	return exitError(foundry.ExitFileReadError, "Failed to enumerate source", err)
}
