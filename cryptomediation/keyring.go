package cryptomediation

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ImportKey imports an Autocrypt keydata blob into the keyring and
// returns its fingerprint, satisfying autocrypt.KeyImporter. Unlike
// Sign/Encrypt/Decrypt/Verify this does not need a captured stdout —
// the fingerprint comes off the status-fd IMPORT_OK line — so it is
// kept separate from invoke rather than forcing that primitive to grow
// an output-format switch.
func (d *Driver) ImportKey(ctx context.Context, keydata []byte) (string, error) {
	_, status, err := d.invoke(ctx, d.PGPPath, "import", []string{"--batch", "--status-fd=3", "--import"}, bytes.NewReader(keydata))
	if err != nil {
		return "", err
	}
	if _, err := status.Seek(0, 0); err != nil {
		return "", err
	}

	var fpr string
	sc := bufio.NewScanner(status)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, statusPrefix) {
			continue
		}
		fields := strings.Fields(line[len(statusPrefix):])
		// IMPORT_OK <reason> [<fingerprint>]
		if len(fields) >= 2 && fields[0] == "IMPORT_OK" {
			fpr = fields[len(fields)-1]
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if fpr == "" {
		return "", fmt.Errorf("cryptomediation: import produced no fingerprint")
	}
	return fpr, nil
}

// IsValidKey reports whether keyid names a key gpg currently considers
// usable for encryption: present in the keyring, and neither expired
// nor revoked. A missing or malformed keyid is simply "not valid" rather
// than an error, since callers (the Autocrypt recommendation algorithm)
// treat both the same way.
func (d *Driver) IsValidKey(ctx context.Context, keyid string) bool {
	if keyid == "" {
		return false
	}
	cmd := exec.CommandContext(ctx, d.PGPPath, "--batch", "--with-colons", "--list-keys", keyid)
	out, err := cmd.Output()
	if err != nil {
		return false
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) < 2 || fields[0] != "pub" {
			continue
		}
		switch fields[1] {
		case "e", "r", "d", "i": // expired, revoked, disabled, invalid
			return false
		}
		return true
	}
	return false
}
