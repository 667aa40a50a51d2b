// Package config loads the TOML configuration describing a daemon's
// shared-memory segments and the default publisher/subscriber options
// new ports are created with (spec.md §6), grounded on the teacher
// config package's pelletier/go-toml/v2 Unmarshal pattern.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Bounded constants, all compile-time-sized in the original so that no
// runtime allocation is required (spec.md §6).
const (
	MaxShmSegments      = 32
	MaxNumberOfMemPools = 32
	MaxHistoryCapacity  = 16384
	MaxNodeNameLength   = 100
)

// PoolConfig is one (chunk_size, count) size-class.
type PoolConfig struct {
	ChunkSize uint64 `toml:"chunk_size"`
	NumChunks uint32 `toml:"num_chunks"`
}

// SegmentConfig describes one shared-memory segment: its access
// groups, raw size, and ascending MemPool size-classes.
type SegmentConfig struct {
	Name        string       `toml:"name"`
	ReaderGroup string       `toml:"reader_group"`
	WriterGroup string       `toml:"writer_group"`
	SizeBytes   uint64       `toml:"size_bytes"`
	Pools       []PoolConfig `toml:"pools"`
}

// PublisherOptions are the per-service defaults a PublisherPort is
// created with.
type PublisherOptions struct {
	NodeName        string `toml:"node_name"`
	HistoryCapacity uint64 `toml:"history_capacity"`
	MaxSubscribers  int    `toml:"max_subscribers"`
	OfferOnCreate   bool   `toml:"offer_on_create"`
}

// SubscriberOptions are the per-service defaults a subscriber's queue
// and ChunkReceiver are created with.
type SubscriberOptions struct {
	NodeName              string `toml:"node_name"`
	QueueCapacity         uint64 `toml:"queue_capacity"`
	QueueVariant          string `toml:"queue_variant"`             // "sofi" | "fifo"
	QueueFullPolicy       string `toml:"queue_full_policy"`         // "discard_oldest_data" | "block_publisher"
	ConsumerTooSlowPolicy string `toml:"consumer_too_slow_policy"`  // "wait_for_consumer" | "discard_oldest_data_on_block"
	SubscribeOnCreate     bool   `toml:"subscribe_on_create"`
	MaxChunksHeld         uint32 `toml:"max_chunks_held"`
}

// Config is the daemon's full startup configuration.
type Config struct {
	Segments    []SegmentConfig              `toml:"segments"`
	Publishers  map[string]PublisherOptions  `toml:"publishers"`
	Subscribers map[string]SubscriberOptions `toml:"subscribers"`
}

// Load reads and parses the TOML file at path, then validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the bounded-constants and ordering rules from
// spec.md §4.B/§6. These are configuration errors, fatal before the
// data plane starts (spec.md §7); Validate itself just reports them,
// leaving the fatal.Errorf call to the cmd-level caller.
func (c *Config) Validate() error {
	if len(c.Segments) == 0 {
		return fmt.Errorf("config: at least one segment is required")
	}
	if len(c.Segments) > MaxShmSegments {
		return fmt.Errorf("config: %d segments exceeds MAX_SHM_SEGMENTS (%d)", len(c.Segments), MaxShmSegments)
	}

	seen := make(map[string]bool, len(c.Segments))
	for _, seg := range c.Segments {
		if seg.Name == "" {
			return fmt.Errorf("config: segment with empty name")
		}
		if seen[seg.Name] {
			return fmt.Errorf("config: duplicate segment name %q", seg.Name)
		}
		seen[seg.Name] = true

		if len(seg.Pools) == 0 {
			return fmt.Errorf("config: segment %q: at least one mempool is required", seg.Name)
		}
		if len(seg.Pools) > MaxNumberOfMemPools {
			return fmt.Errorf("config: segment %q: %d pools exceeds MAX_NUMBER_OF_MEMPOOLS (%d)", seg.Name, len(seg.Pools), MaxNumberOfMemPools)
		}
		var prevSize uint64
		for i, p := range seg.Pools {
			if p.NumChunks == 0 {
				return fmt.Errorf("config: segment %q pool %d: chunk count of zero is a configuration error", seg.Name, i)
			}
			if i > 0 && p.ChunkSize <= prevSize {
				return fmt.Errorf("config: segment %q pool %d: MEMPOOL_CONFIG_MUST_BE_ORDERED_BY_INCREASING_SIZE (chunkSize %d <= previous %d)", seg.Name, i, p.ChunkSize, prevSize)
			}
			prevSize = p.ChunkSize
		}
	}

	for name, opt := range c.Publishers {
		if len(opt.NodeName) > MaxNodeNameLength {
			return fmt.Errorf("config: publisher %q: node_name exceeds %d characters", name, MaxNodeNameLength)
		}
		if opt.HistoryCapacity > MaxHistoryCapacity {
			return fmt.Errorf("config: publisher %q: history_capacity %d exceeds MAX_PUBLISHER_HISTORY (%d)", name, opt.HistoryCapacity, MaxHistoryCapacity)
		}
	}
	for name, opt := range c.Subscribers {
		if len(opt.NodeName) > MaxNodeNameLength {
			return fmt.Errorf("config: subscriber %q: node_name exceeds %d characters", name, MaxNodeNameLength)
		}
		switch opt.QueueVariant {
		case "", "sofi", "fifo":
		default:
			return fmt.Errorf("config: subscriber %q: unknown queue_variant %q", name, opt.QueueVariant)
		}
		switch opt.QueueFullPolicy {
		case "", "discard_oldest_data", "block_publisher":
		default:
			return fmt.Errorf("config: subscriber %q: unknown queue_full_policy %q", name, opt.QueueFullPolicy)
		}
		switch opt.ConsumerTooSlowPolicy {
		case "", "wait_for_consumer", "discard_oldest_data_on_block":
		default:
			return fmt.Errorf("config: subscriber %q: unknown consumer_too_slow_policy %q", name, opt.ConsumerTooSlowPolicy)
		}
	}
	return nil
}
