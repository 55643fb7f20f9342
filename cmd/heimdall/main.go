// Package main provides the heimdall command line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/rennerdo30/heimdall-proxy/internal/cli"
)

func main() {
	if err := cli.New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
