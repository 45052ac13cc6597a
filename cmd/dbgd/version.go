package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X main.version=..." by release builds;
// it defaults to "dev" for local builds.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print dbgd version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("dbgd %s\n", version)
		return nil
	},
}
