package daemon_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AlephTX/iceoryx-sub003/chunk"
	"github.com/AlephTX/iceoryx-sub003/config"
	"github.com/AlephTX/iceoryx-sub003/daemon"
)

func testConfig(name string) *config.Config {
	return &config.Config{
		Segments: []config.SegmentConfig{
			{
				Name:      name,
				SizeBytes: 4 << 20,
				Pools: []config.PoolConfig{
					{ChunkSize: 128, NumChunks: 64},
					{ChunkSize: 1024, NumChunks: 16},
				},
			},
		},
	}
}

func TestNewCreatesSegmentAndPools(t *testing.T) {
	cfg := testConfig(fmt.Sprintf("iox-daemon-%s", t.Name()))
	d, err := daemon.New(cfg)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer d.Shutdown(context.Background())

	seg, ok := d.Segment(cfg.Segments[0].Name)
	if !ok {
		t.Fatal("expected segment to be registered")
	}
	if got := len(seg.Manager.Pools()); got != 2 {
		t.Fatalf("Pools() len = %d, want 2", got)
	}
}

func TestReclaimsDeadEndpoint(t *testing.T) {
	cfg := testConfig(fmt.Sprintf("iox-daemon-%s", t.Name()))
	d, err := daemon.New(cfg)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer d.Shutdown(context.Background())

	seg, _ := d.Segment(cfg.Segments[0].Name)
	mm := seg.Manager

	buf, pool, err := mm.GetChunk(64)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	_ = buf
	_ = pool

	used := chunk.NewUsedChunkList(8)
	d.TrackEndpoint("test-endpoint", used, func() bool { return false })

	if n := d.ReclaimNow(); n != 1 {
		t.Fatalf("ReclaimNow() = %d, want 1", n)
	}
	if n := d.ReclaimNow(); n != 0 {
		t.Fatalf("second ReclaimNow() = %d, want 0 (endpoint already untracked)", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
