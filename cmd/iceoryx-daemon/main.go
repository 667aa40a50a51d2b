// Command iceoryx-daemon creates the shared-memory segments described
// by a config file, serves the websocket control plane publishers and
// subscribers attach to, and runs the reclaimer and telemetry-export
// loops until interrupted.
//
// Grounded on the teacher's main.go: the same
// signal.NotifyContext(context.Background(), os.Interrupt,
// syscall.SIGTERM) shutdown pattern, spf13/cobra wired the way
// kluzzebass-gastrolog's cmd/gastrolog/main.go wires its root command.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AlephTX/iceoryx-sub003/config"
	"github.com/AlephTX/iceoryx-sub003/daemon"
	"github.com/AlephTX/iceoryx-sub003/daemon/controlplane"
	"github.com/AlephTX/iceoryx-sub003/fatal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// envOr reads a .env-style override, falling back to def. .env is loaded
// best-effort by main() before flag parsing so operators can pin a config
// path or control-plane address per deployment without editing a unit file.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	godotenv.Load() // best-effort; absent .env is not an error

	var cfgPath string
	var controlAddr string

	cmd := &cobra.Command{
		Use:   "iceoryx-daemon",
		Short: "Owns shared-memory segments and runs the iceoryx control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgPath, controlAddr)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", envOr("ICEORYX_CONFIG", "iceoryx.toml"), "path to the segment/publisher/subscriber config file")
	cmd.Flags().StringVar(&controlAddr, "control-addr", envOr("ICEORYX_CONTROL_ADDR", ":7878"), "address the control-plane websocket listens on")
	return cmd
}

func run(ctx context.Context, cfgPath, controlAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal.Errorf("iceoryx-daemon: loading config %q: %v", cfgPath, err)
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fatal.Errorf("iceoryx-daemon: %v", err)
		return err
	}
	defer func() {
		if err := d.Shutdown(context.Background()); err != nil {
			log.Printf("iceoryx-daemon: shutdown: %v", err)
		}
	}()

	srv := controlplane.NewServer()

	errCh := make(chan error, 2)
	go func() { errCh <- d.Run(ctx) }()
	go func() { errCh <- srv.ListenAndServe(ctx, controlAddr) }()

	log.Printf("iceoryx-daemon: listening on %s", controlAddr)

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("iceoryx-daemon: %w", firstErr)
	}
	return nil
}
