package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	progress "github.com/vardius/progress-go"

	"github.com/deploymenttheory/go-orbispkg/internal/export"
	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
)

var (
	exportDest    string
	exportDecrypt bool
)

var exportCmd = &cobra.Command{
	Use:   "export [package-path]",
	Short: "Rebuild a GP4 project tree from a package",
	Long: `Export a package into a GP4 project: the sce_sys entries, the inner
filesystem tree, and a Project.gp4 describing them.

Examples:
  # Export a game package
  go-orbispkg export game.pkg --dest ./game-project

  # Keep encrypted entries as stored
  go-orbispkg export game.pkg --dest ./game-project --decrypt=false`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runExport(cmd, args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportDest, "dest", "d", "", "output project directory (required)")
	exportCmd.Flags().BoolVar(&exportDecrypt, "decrypt", true, "decrypt encrypted entries")
	exportCmd.MarkFlagRequired("dest")
}

func runExport(cmd *cobra.Command, path string) error {
	fs := afero.NewOsFs()

	store, err := openKeyStore()
	if err != nil {
		return err
	}

	r, err := pkg.Open(fs, path, store)
	if err != nil {
		return err
	}
	defer r.Close()

	var sink export.Progress
	if !quiet {
		bar := progress.New(0, 100, progress.Options{Verbose: verbose})
		_, _ = bar.Start()
		defer func() {
			if _, err := bar.Stop(); err != nil {
				fmt.Printf("failed to finish progress: %v\n", err)
			}
		}()

		last := int64(0)
		sink = func(percent int, message string) {
			if int64(percent) > last {
				bar.Advance(int64(percent) - last)
				last = int64(percent)
			}
		}
	}

	exporter := export.New(fs, r, export.Options{
		OutDir:         exportDest,
		DecryptEntries: exportDecrypt && viper.GetBool("decrypt_entries"),
		Progress:       sink,
	})

	res, err := exporter.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("\nProject written to %s\n", res.ProjectPath)
	for _, f := range res.Failed {
		fmt.Printf("  failed: %s\n", f)
	}

	return store.Save()
}
