package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"pharmatrace/crypto"
	"pharmatrace/ledger"
)

// pharmatrace-keygen creates the encrypted funding keystore consumed by
// pharmatraced and prints the derived wallet address.
func main() {
	var out string
	var passphraseEnv string
	flag.StringVar(&out, "out", "keystore.json", "keystore output path")
	flag.StringVar(&passphraseEnv, "passphrase-env", "PHARMATRACE_KEYSTORE_PASSPHRASE", "environment variable holding the keystore passphrase")
	flag.Parse()

	passphrase := strings.TrimSpace(os.Getenv(passphraseEnv))
	if passphrase == "" {
		fmt.Fprintf(os.Stderr, "passphrase env %s is empty\n", passphraseEnv)
		os.Exit(1)
	}

	if _, err := os.Stat(out); err == nil {
		fmt.Fprintf(os.Stderr, "refusing to overwrite existing keystore %s\n", out)
		os.Exit(1)
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.SaveFundingKey(out, key, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "write keystore: %v\n", err)
		os.Exit(1)
	}

	signer, err := ledger.NewKeySigner(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive address: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("keystore written to %s\n", out)
	fmt.Printf("funding wallet address: %s\n", signer.Address().String())
}
