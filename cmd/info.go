package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
)

var infoCmd = &cobra.Command{
	Use:   "info [package-path]",
	Short: "Show the package header and entry table",
	Long: `Show the container header, key ladder outcome, and the meta entry table.

Examples:
  # Inspect a package
  go-orbispkg info game.pkg

  # Include per-entry flags
  go-orbispkg info game.pkg --verbose`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runInfo(args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(path string) error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}

	r, err := pkg.Open(afero.NewOsFs(), path, store)
	if err != nil {
		return err
	}
	defer r.Close()

	hdr := r.Header
	fmt.Printf("Content ID:    %s\n", hdr.ContentID)
	fmt.Printf("Content type:  %s\n", hdr.ContentType)
	fmt.Printf("Package size:  %d bytes\n", hdr.PackageSize)
	fmt.Printf("Entries:       %d\n", len(r.Metas))

	if hdr.PfsImageSize > 0 {
		fmt.Printf("PFS image:     0x%X bytes at 0x%X\n", hdr.PfsImageSize, hdr.PfsImageOffset)
	} else {
		fmt.Println("PFS image:     none")
	}

	if r.Passcode() != "" {
		fmt.Printf("Passcode:      %s\n", r.Passcode())
	}
	fmt.Printf("Filesystem:    accessible=%v\n", r.IsFileSystemAccessible())

	fmt.Println()
	for i := range r.Metas {
		m := &r.Metas[i]
		name := r.Name(m)
		if name == "" {
			name = fmt.Sprintf("(unknown 0x%04X)", uint32(m.ID))
		}

		if verbose {
			fmt.Printf("  %-32s %10d bytes at 0x%08X  enc=%-5v key=%d\n",
				name, m.DataSize, m.DataOffset, m.Encrypted(), m.KeyIndex())
		} else if !quiet {
			fmt.Printf("  %-32s %10d bytes\n", name, m.DataSize)
		}
	}

	if err := store.Save(); err != nil && verbose {
		fmt.Printf("Warning: could not save key store: %v\n", err)
	}

	return nil
}
