package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pairit/pairit/internal/compiler"
)

var compileEmit bool

var compileCmd = &cobra.Command{
	Use:   "compile <document.json>",
	Short: "Compile and lint an experiment document",
	Long: `Compile a declarative experiment document to its canonical form,
reporting lint diagnostics without uploading anything. With --emit the
canonical document is printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().BoolVar(&compileEmit, "emit", false, "Print the canonical config as JSON")
}

func runCompile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	cfg, diagnostics, err := compiler.Compile(data)
	for _, d := range diagnostics {
		fmt.Fprintf(os.Stderr, "lint: %s: %s\n", d.Path, d.Message)
	}
	if err != nil {
		return fmt.Errorf("compile failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "compiled %s (%d pages, hash %s)\n", cfg.ConfigID, len(cfg.Pages), cfg.ConfigHash)
	if compileEmit {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}
