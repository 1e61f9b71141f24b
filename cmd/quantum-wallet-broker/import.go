package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/quantumauth-io/quantum-wallet-broker/cmd/quantum-wallet-broker/config"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/keystore"
)

const cmdImportSeed = "import-seed"

// runImportSeed imports an account from a mnemonic typed at the terminal,
// for setups where the extension UI is not available yet.
func runImportSeed(cfg *config.Config) error {
	keys, err := keystore.Open(keystore.Options{
		Dir:         cfg.Keystore.Dir,
		MetaPath:    cfg.Keystore.AccountsFile,
		LightScrypt: cfg.Keystore.LightScrypt,
	})
	if err != nil {
		return err
	}

	in := bufio.NewReader(os.Stdin)
	name := promptLineWithDefault(in, "Account name", "main")

	mnemonic, err := promptSecret("Mnemonic (hidden): ")
	if err != nil {
		return err
	}
	defer zeroBytes(mnemonic)
	if err := keystore.ValidateSeed(string(mnemonic)); err != nil {
		return err
	}

	pw, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	defer zeroBytes(pw)

	confirm, err := promptSecret("Confirm password: ")
	if err != nil {
		return err
	}
	defer zeroBytes(confirm)
	if !bytes.Equal(pw, confirm) {
		return fmt.Errorf("passwords do not match")
	}

	acc, err := keys.CreateFromSeed(string(mnemonic), name, string(pw), "")
	if err != nil {
		return err
	}
	fmt.Printf("imported %s (%s)\n", acc.Address, acc.Name)
	return nil
}
