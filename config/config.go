// Package config centralizes the operator-facing knobs (component K) so
// magic numbers live in exactly one place, populated from CLI flags the
// way the teacher's own main.go read its handful of flags.
package config

import (
	"flag"
	"time"
)

// Config holds every tunable the coordinator and file-directory are built
// from.
type Config struct {
	TorrentFile string
	DownloadDir string
	ListenPort  int

	MaxOpenHandles int
	ChunkSize      int64

	LowWatermark  int
	HighWatermark int

	HandshakeTimeout time.Duration
}

// Defaults returns the configuration defaults named in §6.
func Defaults() Config {
	return Config{
		DownloadDir:      "./downloads",
		ListenPort:       0,
		MaxOpenHandles:   50,
		ChunkSize:        16384,
		LowWatermark:     5,
		HighWatermark:    30,
		HandshakeTimeout: 2 * time.Minute,
	}
}

// Parse populates a Config from the given flag set's command-line
// arguments, layered over Defaults.
func Parse(args []string) (Config, error) {
	c := Defaults()
	fs := flag.NewFlagSet("peerengine", flag.ContinueOnError)
	fs.StringVar(&c.DownloadDir, "dir", c.DownloadDir, "download directory")
	fs.IntVar(&c.ListenPort, "port", c.ListenPort, "listen port (0 = ephemeral)")
	fs.IntVar(&c.MaxOpenHandles, "max-handles", c.MaxOpenHandles, "maximum simultaneously open file handles")
	fs.Int64Var(&c.ChunkSize, "chunk-size", c.ChunkSize, "default chunk request size in bytes")
	fs.IntVar(&c.LowWatermark, "low-watermark", c.LowWatermark, "request queue low watermark")
	fs.IntVar(&c.HighWatermark, "high-watermark", c.HighWatermark, "request queue high watermark")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "peer handshake timeout")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		c.TorrentFile = fs.Arg(0)
	}
	return c, nil
}
