package cmd

import (
	"context"
	"fmt"
	"strings"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/spf13/cobra"

	"inkwell.dev/autocrypt"
	"inkwell.dev/cryptomediation"
)

var autocryptCmd = &cobra.Command{
	Use:   "autocrypt",
	Short: "inspect Autocrypt peer state and recommendations",
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <from> <recipient> [recipient...]",
	Short: "print the Autocrypt encryption recommendation for a would-be outgoing message",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRecommend,
}

func init() {
	autocryptCmd.AddCommand(recommendCmd)
}

func runRecommend(cmd *cobra.Command, args []string) error {
	store, err := openAutocryptStore()
	if err != nil {
		return err
	}

	ctx := context.Background()
	from, recipients := args[0], args[1:]
	rec, keylist, err := store.Recommend(ctx, from, recipients)
	if err != nil {
		return err
	}
	fmt.Printf("recommendation: %s\n", rec)
	if len(keylist) > 0 {
		fmt.Printf("keylist: %s\n", strings.Join(keylist, ", "))
	}
	return nil
}

// openAutocryptStore wires a *cryptomediation.Driver in as the
// autocrypt.KeyImporter, the dependency-injection seam autocrypt/store.go
// declares so it never has to import cryptomediation directly.
func openAutocryptStore() (*autocrypt.Store, error) {
	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE
	dbpool, err := sqlitex.Open(cfg.AutocryptDBPath, flags, 4)
	if err != nil {
		return nil, fmt.Errorf("mailcore: autocrypt db: %v", err)
	}

	driver := &cryptomediation.Driver{
		Config: cryptomediation.Config{PGPPath: cfg.PGPPath},
		Filer:  iox.NewFiler(0),
		Logf:   componentLogf("cryptomediation"),
	}

	store, err := autocrypt.New(dbpool, driver)
	if err != nil {
		return nil, err
	}
	store.Logf = componentLogf("autocrypt")
	return store, nil
}
