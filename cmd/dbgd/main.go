// Command dbgd is the multi-session debugger daemon: it exposes a
// SQL-queryable control plane over a local socket, unifying BWP
// (browser/Node) and NDAP (native) debug sessions behind one protocol
// (spec SPEC_FULL.md). Structure mirrors the teacher's cmd/bd entrypoint:
// a cobra root with a persistent config flag and `serve`/`version`
// subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dbgd",
	Short: "Multi-session debugger daemon",
	Long: `dbgd unifies browser/Node debugging (BWP, a Chrome DevTools Protocol
dialect) and native debugging (NDAP, a Debug Adapter Protocol dialect)
behind one local control-socket protocol and SQL-queryable virtual tables.

Clients speak newline-delimited JSON over the daemon's Unix socket:
  {"cmd":"open","args":{...}}
  {"ok":true,"data":{...}}

Common operations:
  dbgd serve              Run the daemon in the foreground
  dbgd version            Print version information`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (default: none, env/flags/defaults only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
