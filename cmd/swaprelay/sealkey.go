package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/alanyoungcy/swaprelay/internal/crypto"
)

// sealKey reads a signing key and password from the environment and writes
// the encrypted key file a chain's encrypted_key_path points at.
func sealKey(args []string) error {
	fs := flag.NewFlagSet("seal-key", flag.ContinueOnError)
	format := fs.String("format", string(crypto.FormatHex), "key format: hex or mnemonic")
	out := fs.String("out", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("-out is required")
	}

	key := os.Getenv("SWAPRELAY_SEAL_KEY")
	password := os.Getenv("SWAPRELAY_SEAL_PASSWORD")
	if key == "" || password == "" {
		return errors.New("SWAPRELAY_SEAL_KEY and SWAPRELAY_SEAL_PASSWORD must be set")
	}

	blob, err := crypto.SealKey(key, crypto.KeyFormat(*format), password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "sealed %s key written to %s\n", *format, *out)
	return nil
}
