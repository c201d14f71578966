// Package client wires the metainfo loader, coordinator, and output path
// into the single entry point a CLI (or test) drives.
package client

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/lvbealr/leech/internal/coordinator"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/torrentlog"
)

// Config holds the runtime-configurable knobs a CLI exposes (spec §2.3
// ambient configuration).
type Config struct {
	TorrentPath string
	OutputDir   string
}

// --------------------------------------------------------------------------------------------- //

// Client is the top-level façade: load the metainfo, then run the
// coordinator until completion or abort.
type Client struct {
	cfg Config
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// --------------------------------------------------------------------------------------------- //

/*
Run loads the torrent's metainfo and drives the download coordinator
to completion or until ctx is cancelled (spec §7 Aborted).

Parameters:
  - ctx: cancelled (e.g. on SIGINT) to abort the download cleanly.

Returns:
  - error: non-nil on MalformedTorrent (fatal, spec §7), if the output file
    cannot be created, on a fatal disk write error during the download, or
    on a piece-manager close failure.
*/
func (c *Client) Run(ctx context.Context) error {
	info, err := metainfo.Load(c.cfg.TorrentPath)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	torrentlog.Info("loaded %q: %d pieces, %d bytes, info hash %x", info.Name, info.NumPieces(), info.TotalSize, info.InfoHash)

	outputPath := filepath.Join(c.cfg.OutputDir, info.Name)

	co, err := coordinator.New(info, outputPath)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	return co.Run(ctx)
}
