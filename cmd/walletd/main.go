package main

import (
	"fmt"
	"io"
	"os"
)

const (
	defaultConfig   = "./walletd.toml"
	defaultKeystore = "owner.keystore"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		usage(stderr)
		return fmt.Errorf("command required")
	}
	switch args[0] {
	case "init":
		return runInit(args[1:], stdout)
	case "keygen":
		return runKeygen(args[1:], stdout)
	case "address":
		return runAddress(args[1:], stdout)
	case "sign-relay":
		return runSignRelay(args[1:], stdout)
	case "serve":
		return runServe(args[1:])
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: walletd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init         write a default walletd.toml")
	fmt.Fprintln(w, "  keygen       create an owner keystore")
	fmt.Fprintln(w, "  address      print the address held by a keystore")
	fmt.Fprintln(w, "  sign-relay   sign a wallet action for submission by a relayer")
	fmt.Fprintln(w, "  serve        run the wallet execution host and HTTP API")
}
