// Package main provides the adjoint CLI.
package main

import (
	"fmt"
	"os"

	"github.com/adjoint-ml/adjoint/grad"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("adjoint %s\n", version)
			return
		case "check-config":
			if len(os.Args) < 3 {
				fmt.Fprintln(os.Stderr, "usage: adjoint check-config <file.toml>")
				os.Exit(2)
			}
			cfg, err := grad.LoadConfig(os.Args[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "adjoint: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("mode=%s width=%d atomic_add=%t free_memory=%t loose_types=%t fast_math=%t\n",
				cfg.Mode, cfg.Width, cfg.AtomicAdd, cfg.FreeMemory, cfg.LooseTypes, cfg.FastMath)
			return
		}
	}

	fmt.Println("adjoint - IR-level automatic differentiation")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version                   Show version")
	fmt.Println("  check-config <file.toml>  Validate a policy file")
}
