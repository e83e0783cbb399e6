package main

import (
	"github.com/asad/crmstate/internal/cli"
)

// main is the entry point for crmstate.
// It delegates to the CLI package which handles command parsing and execution.
func main() {
	cli.Execute()
}
