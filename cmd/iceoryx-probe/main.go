// Command iceoryx-probe is a read-only inspector for an operator who
// wants to confirm a daemon's segments exist and see their configured
// MemPool size-classes, without attaching as a publisher or
// subscriber. It deliberately stops short of reconstructing live
// MemPool free-list state: that lives entirely in the owning daemon
// process's shared memory, and reconstructing a second, independent
// MemPool view over it from this process would race the real daemon's
// bump-allocator offsets and free-list state. Reporting live occupancy
// safely needs a query the daemon answers itself (e.g. over
// daemon/controlplane or a future admin RPC), not a second process
// attaching blind.
//
// Grounded on kluzzebass-gastrolog's cmd/gastrolog cobra usage shape.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AlephTX/iceoryx-sub003/config"
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	godotenv.Load() // best-effort; absent .env is not an error

	cfgPath := "iceoryx.toml"
	if v := os.Getenv("ICEORYX_CONFIG"); v != "" {
		cfgPath = v
	}

	cmd := &cobra.Command{
		Use:   "iceoryx-probe",
		Short: "Reports segment presence and configured mempool size-classes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", cfgPath, "path to the segment/publisher/subscriber config file")
	return cmd
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("iceoryx-probe: loading config: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SEGMENT\tSTATUS\tCHUNK_SIZE\tNUM_CHUNKS")
	for i, segCfg := range cfg.Segments {
		status := "present"
		seg, err := shmseg.Attach(shmseg.ID(i+1), segCfg.Name, int(segCfg.SizeBytes))
		if err != nil {
			status = "missing"
		} else {
			seg.Close()
		}

		for _, p := range segCfg.Pools {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", segCfg.Name, status, p.ChunkSize, p.NumChunks)
		}
	}
	return w.Flush()
}
