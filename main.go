// Package main is the entry point for the vpnrelay daemon and CLI.
package main

import (
	"os"

	"firestige.xyz/vpnrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
