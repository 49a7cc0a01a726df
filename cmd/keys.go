package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
)

var (
	keysPasscode string
	keysEKPFS    string
	keysXtsTweak string
	keysXtsData  string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the key store",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached key material",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runKeysList(); err != nil {
			cobra.CheckErr(err)
		}
	},
}

var keysAddCmd = &cobra.Command{
	Use:   "add [package-path]",
	Short: "Try key material against a package and cache it on success",
	Long: `Try a passcode, EKPFS, or XTS key pair against a package. Material
that verifies is cached in the key store under the package's content ID.

Examples:
  go-orbispkg keys add game.pkg --passcode 00000000000000000000000000000000
  go-orbispkg keys add game.pkg --ekpfs <64 hex chars>
  go-orbispkg keys add game.pkg --xts-tweak <32 hex> --xts-data <32 hex>`,

	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runKeysAdd(args[0]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysAddCmd)

	keysAddCmd.Flags().StringVar(&keysPasscode, "passcode", "", "32-character passcode")
	keysAddCmd.Flags().StringVar(&keysEKPFS, "ekpfs", "", "EKPFS, hex encoded")
	keysAddCmd.Flags().StringVar(&keysXtsTweak, "xts-tweak", "", "XTS tweak key, hex encoded")
	keysAddCmd.Flags().StringVar(&keysXtsData, "xts-data", "", "XTS data key, hex encoded")
}

func runKeysList() error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}

	if len(store.Entries) == 0 {
		fmt.Println("Key store is empty")
		return nil
	}

	for id, entry := range store.Entries {
		fmt.Printf("%s\n", id)
		if entry.Passcode != "" {
			fmt.Printf("  passcode:  %s\n", entry.Passcode)
		}
		if entry.EKPFS != "" {
			fmt.Printf("  ekpfs:     %s\n", entry.EKPFS)
		}
		if entry.XtsTweak != "" {
			fmt.Printf("  xts tweak: %s\n", entry.XtsTweak)
			fmt.Printf("  xts data:  %s\n", entry.XtsData)
		}
	}

	return nil
}

func runKeysAdd(path string) error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}

	r, err := pkg.Open(afero.NewOsFs(), path, store)
	if err != nil {
		return err
	}
	defer r.Close()

	unlocked := false

	switch {
	case keysPasscode != "":
		unlocked = r.TryPasscode(keysPasscode)
	case keysEKPFS != "":
		key, err := hex.DecodeString(keysEKPFS)
		if err != nil {
			return fmt.Errorf("decode ekpfs: %w", err)
		}
		unlocked = r.TryEKPFS(key)
	case keysXtsTweak != "" && keysXtsData != "":
		tweak, err := hex.DecodeString(keysXtsTweak)
		if err != nil {
			return fmt.Errorf("decode xts tweak: %w", err)
		}
		data, err := hex.DecodeString(keysXtsData)
		if err != nil {
			return fmt.Errorf("decode xts data: %w", err)
		}
		unlocked = r.TryXTSKeys(tweak, data)
	default:
		return fmt.Errorf("provide --passcode, --ekpfs, or --xts-tweak/--xts-data")
	}

	if !unlocked {
		return fmt.Errorf("key verification failed for %s", r.Header.ContentID)
	}

	fmt.Printf("Unlocked %s\n", r.Header.ContentID)
	return store.Save()
}
