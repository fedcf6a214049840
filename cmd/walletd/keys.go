package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"proxywallet/cmd/internal/passphrase"
	"proxywallet/config"
	"proxywallet/crypto"
	"proxywallet/native/proxy"
)

// passphraseSource is swapped in tests.
var passphraseSource = func(env string, confirm bool) func() (string, error) {
	src := passphrase.NewSource(env)
	if confirm {
		src = src.WithConfirmation()
	}
	return src.Get
}

func runInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path of the walletd config file to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*configPath); err == nil {
		return fmt.Errorf("config %s already exists", *configPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s (data dir %s)\n", *configPath, cfg.DataDir)
	return nil
}

type keyOutput struct {
	Address  string `json:"address"`
	Hex      string `json:"hex"`
	Keystore string `json:"keystore,omitempty"`
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Output path for the keystore file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the keystore passphrase")
	prefix := fs.String("prefix", string(crypto.DefaultPrefix), "Address prefix used for display")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pass, err := passphraseSource(*passEnv, true)()
	if err != nil {
		return err
	}
	key, err := crypto.CreateKeystore(*keystorePath, pass)
	if err != nil {
		return err
	}
	scheme := crypto.NewAddressScheme(*prefix)
	addr, err := scheme.Derive(key.PubKey().Bytes())
	if err != nil {
		return err
	}
	return writeJSON(stdout, keyOutput{Address: scheme.Format(addr), Hex: addr.Hex(), Keystore: *keystorePath})
}

func runAddress(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the keystore file")
	prefix := fs.String("prefix", string(crypto.DefaultPrefix), "Address prefix used for display")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := crypto.KeystoreAddress(*keystorePath)
	if err != nil {
		return err
	}
	scheme := crypto.NewAddressScheme(*prefix)
	return writeJSON(stdout, keyOutput{Address: scheme.Format(addr), Hex: addr.Hex()})
}

type signedRelay struct {
	Signer      string                 `json:"signer"`
	Action      string                 `json:"action"`
	Transaction proxy.RelayTransaction `json:"transaction"`
}

func runSignRelay(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign-relay", flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the owner keystore")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the keystore passphrase")
	nonce := fs.Uint64("nonce", 0, "Current wallet nonce")
	actionPath := fs.String("action", "", "File holding the action JSON ({\"type\":...,\"payload\":...}); - reads stdin")
	prefix := fs.String("prefix", string(crypto.DefaultPrefix), "Address prefix used for display")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*actionPath) == "" {
		return fmt.Errorf("--action is required")
	}
	raw, err := readInput(*actionPath)
	if err != nil {
		return fmt.Errorf("read action: %w", err)
	}
	action, err := proxy.DecodeAction(raw)
	if err != nil {
		return err
	}
	pass, err := passphraseSource(*passEnv, false)()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		return fmt.Errorf("unlock keystore: %w", err)
	}
	tx, err := proxy.NewRelayTransaction(key, action, *nonce)
	if err != nil {
		return err
	}
	scheme := crypto.NewAddressScheme(*prefix)
	signer, err := scheme.Derive(tx.OwnerPubKey)
	if err != nil {
		return err
	}
	return writeJSON(stdout, signedRelay{
		Signer:      scheme.Format(signer),
		Action:      action.ActionType(),
		Transaction: tx,
	})
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
