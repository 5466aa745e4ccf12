// Command sb-makekey generates the broker's on-disk long-term key
// material.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/djthinksource/splonebox-core/internal/keys"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sb-makekey:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 || args[0] != "add" {
		return errors.New("usage: sb-makekey add [-dir path]")
	}

	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	dir := fs.String("dir", ".keys", "keys directory to create")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if err := keys.Generate(*dir); err != nil {
		if errors.Is(err, keys.ErrDirExists) {
			return fmt.Errorf("%s already exists; refusing to overwrite", *dir)
		}
		return err
	}

	fmt.Printf("wrote long-term key material to %s\n", *dir)
	return nil
}
