// Package main provides the entry point for the Pairit server CLI.
package main

import (
	"fmt"
	"os"

	"github.com/pairit/pairit/cmd/pairit/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
