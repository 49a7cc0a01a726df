package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
)

var validateCmd = &cobra.Command{
	Use:   "validate [package-path]",
	Short: "Run the package integrity checks",
	Long: `Run every integrity check and print the results ordered by file
location: header digests, the per-entry digest table, the PFS image digest
and the chunk digest table.

Examples:
  go-orbispkg validate game.pkg`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(cmd.Context(), args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(ctx context.Context, path string) error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}

	r, err := pkg.Open(afero.NewOsFs(), path, store)
	if err != nil {
		return err
	}
	defer r.Close()

	failed := 0
	for res := range r.Validate(ctx) {
		fmt.Printf("  %-8s 0x%08X  %s\n", res.Status, res.Location, res.Name)

		if verbose && res.Detail != "" {
			fmt.Printf("           %s\n", res.Detail)
		}

		if res.Status == pkg.StatusFail {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}

	fmt.Println("All checks passed")
	return nil
}
