package cmd

import (
	"fmt"
	"os"
	"strings"

	"crawshaw.io/iox"
	"github.com/spf13/cobra"

	"inkwell.dev/email"
	"inkwell.dev/mime"
	"inkwell.dev/third_party/imf"
)

var parseCmd = &cobra.Command{
	Use:   "parse <message-file>",
	Short: "parse a message into its MIME content tree and print a summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runParse,
}

func runParse(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	filer := iox.NewFiler(0)
	p := &mime.Parser{Limits: cfg.MIME, Filer: filer, Logf: componentLogf("mime")}
	root, err := p.Parse(f)
	if err != nil {
		return err
	}
	printBody(os.Stdout, root, 0)

	if root.Hdr != nil {
		env, eerr := email.ParseEnvelope(root.Hdr, imf.Addrs{}, nil, nil, nil)
		if eerr != nil {
			return eerr
		}
		msgid := env.EnsureMessageID(cfg.LocalDomain)
		fmt.Fprintf(os.Stdout, "\nsubject=%q message-id=%s", env.Subject, msgid)
		if env.Changed&email.ChangedMessageID != 0 {
			fmt.Fprint(os.Stdout, " (synthesized)")
		}
		fmt.Fprintln(os.Stdout)
	}

	if n := history.Len(); n > 0 {
		fmt.Fprintf(os.Stdout, "\n%d recoverable parse issue(s) logged\n", n)
	}
	return nil
}

func printBody(w *os.File, b *mime.Body, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s/%s  offset=%d length=%d", indent, b.Type, b.Subtype, b.Offset, b.Length)
	if b.Filename != "" {
		fmt.Fprintf(w, " filename=%q", b.Filename)
	}
	if b.Flags.Recoded {
		fmt.Fprint(w, " [recoded]")
	}
	if b.Flags.Traditional {
		fmt.Fprint(w, " [traditional-pgp]")
	}
	fmt.Fprintln(w)
	for _, child := range b.Parts {
		printBody(w, child, depth+1)
	}
}
