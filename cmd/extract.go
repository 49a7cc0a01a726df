package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
)

var (
	extractDest    string
	extractEntry   string
	extractDecrypt bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [package-path]",
	Short: "Extract meta entries",
	Long: `Extract meta entries from a package.

Examples:
  # Extract every named entry
  go-orbispkg extract game.pkg --dest ./entries

  # Extract a single entry by name
  go-orbispkg extract game.pkg --entry param.sfo --dest ./entries

  # Keep encrypted entries as stored
  go-orbispkg extract game.pkg --dest ./entries --decrypt=false`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runExtract(args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractDest, "dest", "d", "", "destination directory (required)")
	extractCmd.Flags().StringVarP(&extractEntry, "entry", "e", "", "extract only the named entry")
	extractCmd.Flags().BoolVar(&extractDecrypt, "decrypt", true, "decrypt encrypted entries")
	extractCmd.MarkFlagRequired("dest")
}

func runExtract(path string) error {
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

	if err := fs.MkdirAll(extractDest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	decrypt := extractDecrypt && viper.GetBool("decrypt_entries")

	extracted := 0
	for i := range r.Metas {
		m := &r.Metas[i]

		name := r.Name(m)
		if name == "" {
			continue
		}

		if extractEntry != "" && name != extractEntry {
			continue
		}

		data, err := r.ExtractEntry(m, decrypt)
		if err != nil {
			fmt.Printf("  %-32s FAILED: %v\n", name, err)
			continue
		}

		out := filepath.Join(extractDest, filepath.FromSlash(name))
		if err := fs.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}

		if err := afero.WriteFile(fs, out, data, 0o644); err != nil {
			return err
		}

		if !quiet {
			fmt.Printf("  %-32s %d bytes\n", name, len(data))
		}
		extracted++
	}

	if extractEntry != "" && extracted == 0 {
		return fmt.Errorf("entry %q not found", extractEntry)
	}

	fmt.Printf("Extracted %d entries to %s\n", extracted, extractDest)
	return store.Save()
}
