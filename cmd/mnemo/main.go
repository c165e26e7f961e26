// Command mnemo is the entry point for the mnemo agent memory server.
package main

import (
	"os"

	"github.com/MrWong99/mnemo/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
