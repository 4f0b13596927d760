// Command mailcore is the thin operator CLI over the mail core described
// by cmd/mailcore/cmd: message parsing, transport dialing, crypto
// mediation, and Autocrypt recommendations, for debugging and integration
// testing — not the pager/menu/composer UI.
package main

import (
	"fmt"
	"os"

	"inkwell.dev/cmd/mailcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
