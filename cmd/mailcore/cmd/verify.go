package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"crawshaw.io/iox"
	"github.com/spf13/cobra"

	"inkwell.dev/cryptomediation"
)

var verifyProtocol string

var verifyCmd = &cobra.Command{
	Use:   "verify <signed-file> <detached-sig-file>",
	Short: "verify a detached PGP or S/MIME signature against its signed content",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyProtocol, "protocol", "pgp", `signature protocol: "pgp" or "smime"`)
}

func runVerify(cmd *cobra.Command, args []string) error {
	filer := iox.NewFiler(0)

	signed, err := loadBufferFile(filer, args[0])
	if err != nil {
		return err
	}
	sig, err := loadBufferFile(filer, args[1])
	if err != nil {
		return err
	}

	d := &cryptomediation.Driver{
		Config: cryptomediation.Config{PGPPath: cfg.PGPPath, SMIMEPath: cfg.SMIMEPath},
		Filer:  filer,
		Logf:   componentLogf("cryptomediation"),
	}

	protocol := cryptomediation.ProtocolPGP
	if verifyProtocol == "smime" {
		protocol = cryptomediation.ProtocolSMIME
	}

	result, err := d.Verify(context.Background(), protocol, signed, sig)
	if err != nil {
		return err
	}
	if result.Good {
		fmt.Println("good signature")
		return nil
	}
	fmt.Printf("bad signature: %s\n", result.Detail)
	os.Exit(1)
	return nil
}

func loadBufferFile(filer *iox.Filer, path string) (*iox.BufferFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := filer.BufferFile(0)
	if _, err := io.Copy(buf, f); err != nil {
		buf.Close()
		return nil, err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}
