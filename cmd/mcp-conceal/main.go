package main

import (
	"fmt"
	"os"

	"mcp-conceal/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-conceal:", err)
		os.Exit(1)
	}
}
