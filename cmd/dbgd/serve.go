package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/douglance/dbg-sub001/internal/config"
	"github.com/douglance/dbg-sub001/internal/control"
	"github.com/douglance/dbg-sub001/internal/eventstore"
	"github.com/douglance/dbg-sub001/internal/metrics"
	"github.com/douglance/dbg-sub001/internal/session"
	"github.com/douglance/dbg-sub001/internal/vtable"
)

var (
	flagSocketPath     string
	flagEventStorePath string
	flagMaxConns       int
	flagLLDBDAPPath    string
	flagNoMetrics      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagSocketPath, "socket", "", "control-plane socket path (default: $DBG_SOCK or /tmp/dbg.sock)")
	serveCmd.Flags().StringVar(&flagEventStorePath, "event-store", "", "event store path (default: a fresh temporary store)")
	serveCmd.Flags().IntVar(&flagMaxConns, "max-conns", 0, "max concurrent control-socket clients (default: 64)")
	serveCmd.Flags().StringVar(&flagLLDBDAPPath, "lldb-dap-path", "", "path to the lldb-dap binary (default: $LLDB_DAP_PATH)")
	serveCmd.Flags().BoolVar(&flagNoMetrics, "no-metrics", false, "disable OpenTelemetry metrics export")
}

func runServe(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if flagSocketPath != "" {
		v.Set("socket_path", flagSocketPath)
	}
	if flagEventStorePath != "" {
		v.Set("event_store_path", flagEventStorePath)
	}
	if flagMaxConns > 0 {
		v.Set("max_conns", flagMaxConns)
	}
	if flagLLDBDAPPath != "" {
		v.Set("lldb_dap_path", flagLLDBDAPPath)
	}

	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := eventstore.Open(ctx, cfg.EventStorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var instruments *metrics.Instruments
	var shutdownMetrics func(context.Context) error
	if flagNoMetrics {
		instruments = metrics.Noop()
	} else {
		instruments, shutdownMetrics, err = metrics.Init(ctx)
		if err != nil {
			return err
		}
		defer shutdownMetrics(context.Background())
	}
	store.SetFlushHook(func(n int) {
		instruments.FlushSize.Record(context.Background(), int64(n))
	})

	registry := vtable.DefaultRegistry()
	manager := session.NewManager(store)

	srv := control.NewServer(cfg.SocketPath, manager, registry, store,
		cfg.MaxConns, cfg.RequestTimeout, cfg.LLDBDAPPath, cfg.AttachDeadline, instruments)

	log.Printf("dbgd listening on %s", cfg.SocketPath)
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	log.Println("dbgd shut down")
	return nil
}
