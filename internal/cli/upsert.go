package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appfoundry/appfoundry/internal/catalog"
	"github.com/appfoundry/appfoundry/pkg/models"
)

func newUpsertAppCommand() *cobra.Command {
	var (
		appFile     string
		secretsFile string
		skipDryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "upsert-app",
		Short: "Create or update an app from its app.json definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			def, err := catalog.LoadAppDefinition(appFile)
			if err != nil {
				return err
			}
			var secrets map[models.SecurityScheme]map[string]any
			if secretsFile != "" {
				secrets, err = catalog.LoadSecrets(secretsFile)
				if err != nil {
					return err
				}
			}

			if !skipDryRun {
				dry, err := deps.catalog.UpsertApp(ctx, def, secrets, true)
				if err != nil {
					return fmt.Errorf("dry run: %w", err)
				}
				printResult(cmd, dry)
				if !dry.Created && !dry.Updated {
					fmt.Fprintln(cmd.OutOrStdout(), "No changes.")
					return nil
				}
				if !confirm(cmd) {
					return nil
				}
			}

			result, err := deps.catalog.UpsertApp(ctx, def, secrets, false)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}

	cmd.Flags().StringVar(&appFile, "app-file", "", "Path to the app.json definition (required)")
	cmd.Flags().StringVar(&secretsFile, "secrets-file", "", "Path to a JSON file with default credentials per security scheme")
	cmd.Flags().BoolVar(&skipDryRun, "skip-dry-run", false, "Apply immediately without showing the pending diff")
	cmd.MarkFlagRequired("app-file")
	return cmd
}

func newUpsertFunctionsCommand() *cobra.Command {
	var (
		functionsFile string
		skipDryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "upsert-functions",
		Short: "Create or update an app's functions from a functions.json file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			defs, err := catalog.LoadFunctionDefinitions(functionsFile)
			if err != nil {
				return err
			}

			if !skipDryRun {
				dry, err := deps.catalog.UpsertFunctions(ctx, defs, true)
				if err != nil {
					return fmt.Errorf("dry run: %w", err)
				}
				printResult(cmd, dry)
				if len(dry.Created) == 0 && len(dry.Updated) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No changes.")
					return nil
				}
				if !confirm(cmd) {
					return nil
				}
			}

			result, err := deps.catalog.UpsertFunctions(ctx, defs, false)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}

	cmd.Flags().StringVar(&functionsFile, "functions-file", "", "Path to the functions.json definitions (required)")
	cmd.Flags().BoolVar(&skipDryRun, "skip-dry-run", false, "Apply immediately without showing the pending diff")
	cmd.MarkFlagRequired("functions-file")
	return cmd
}

func printResult(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// confirm asks before applying a previewed change. Non-interactive runs
// (no TTY) proceed without asking.
func confirm(cmd *cobra.Command) bool {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return true
	}
	fmt.Fprint(cmd.OutOrStdout(), "Apply these changes? [y/N] ")
	var answer string
	fmt.Fscanln(cmd.InOrStdin(), &answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}
