// Package coordinator implements the download coordinator (spec §4.G):
// it owns the piece manager and the peer-connection pool, refills the
// shared peer queue from periodic tracker announces, and tears
// everything down on completion or abort.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/peerid"
	"github.com/lvbealr/leech/internal/piece"
	"github.com/lvbealr/leech/internal/torrentlog"
	"github.com/lvbealr/leech/internal/tracker"
)

// MaxPeerConnections is N, the number of concurrent peer-connection
// workers the coordinator runs (spec §5 MAX_PEER_CONNECTION).
const MaxPeerConnections = 40

// DefaultAnnounceInterval is the interval assumed before the first
// announce response arrives (spec §4.G).
const DefaultAnnounceInterval = 1800 * time.Second

// pollInterval is how often the announce loop wakes up to check whether
// it's time to announce again (spec §4.G "Otherwise sleep 5 s").
const pollInterval = 5 * time.Second

// --------------------------------------------------------------------------------------------- //

// Coordinator owns one torrent's piece manager and peer pool end to end.
type Coordinator struct {
	info    *metainfo.Info
	manager *piece.Manager
	queue   *peer.AddressQueue
	peerID  string
	workers []*peer.Connection

	announceInterval time.Duration
	lastAnnounce     time.Time
	announced        bool
}

// --------------------------------------------------------------------------------------------- //

/*
New constructs a Coordinator for a loaded torrent, creating the piece
manager (and its output file) and the fixed pool of peer-connection
workers bound to a shared address queue.

Parameters:
  - info: the parsed torrent metainfo.
  - outputPath: where the assembled file is written.

Returns:
  - *Coordinator: ready to Run.
  - error: non-nil if the output file cannot be created.
*/
func New(info *metainfo.Info, outputPath string) (*Coordinator, error) {
	manager, err := piece.NewManager(info, outputPath)
	if err != nil {
		return nil, err
	}

	queue := peer.NewAddressQueue(4 * MaxPeerConnections)
	id := peerid.New()

	workers := make([]*peer.Connection, MaxPeerConnections)
	for i := range workers {
		workers[i] = peer.NewConnection(info.InfoHash, id, queue, manager)
	}

	return &Coordinator{
		info:             info,
		manager:          manager,
		queue:            queue,
		peerID:           id,
		workers:          workers,
		announceInterval: DefaultAnnounceInterval,
	}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
Run drives the coordinator until the download completes or ctx is
cancelled (spec §4.G, §5 Cancellation): it spawns the peer-connection
pool, then loops announcing to the tracker on schedule and refilling
the peer queue, exiting (and tearing everything down) on completion or
abort.

Parameters:
  - ctx: cancelled by the caller to abort the download (spec §7 Aborted).

Returns:
  - error: non-nil if a torrent-wide fatal error aborted the run (spec §7,
    e.g. IOError on disk) or if the piece manager fails to close cleanly;
    a normal completion or cancellation returns nil.
*/
func (co *Coordinator) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var wg sync.WaitGroup
	for _, w := range co.workers {
		wg.Add(1)
		go func(w *peer.Connection) {
			defer wg.Done()
			w.Run(workerCtx)
		}(w)
	}

	runErr := co.announceLoop(ctx)

	stopWorkers()
	wg.Wait()

	if closeErr := co.manager.Close(); closeErr != nil && runErr == nil {
		return closeErr
	}
	return runErr
}

// --------------------------------------------------------------------------------------------- //

// announceLoop is spec §4.G's cooperative announce loop, translated to a
// blocking loop with a short poll sleep (this goroutine is the only one
// doing announce/sleep bookkeeping, so no extra synchronization is
// needed around co.announceInterval/lastAnnounce). It also watches the
// piece manager's abort signal (spec §7: a disk IOError is torrent-wide,
// not peer-local, so it must stop the whole run rather than just the one
// peer connection that hit it) and returns that error when it fires.
func (co *Coordinator) announceLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-co.manager.Aborted():
			return co.manager.AbortErr()
		default:
		}

		if co.manager.IsComplete() {
			torrentlog.Status("green", "download complete: %s", co.info.Name)
			return nil
		}

		if !co.announced || time.Since(co.lastAnnounce) >= co.announceInterval {
			co.doAnnounce()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-co.manager.Aborted():
			return co.manager.AbortErr()
		case <-time.After(pollInterval):
		}
	}
}

// --------------------------------------------------------------------------------------------- //

func (co *Coordinator) doAnnounce() {
	params := tracker.Params{
		InfoHash:   co.info.InfoHash,
		PeerID:     co.peerID,
		Uploaded:   co.manager.BytesUploaded(),
		Downloaded: co.manager.BytesDownloaded(),
		Left:       co.info.TotalSize - co.manager.BytesDownloaded(),
		Started:    !co.announced,
	}

	for _, url := range co.announceURLs() {
		resp, err := tracker.Announce(url, params)
		if err != nil {
			torrentlog.Fail("announce %s failed: %v", url, err)
			continue
		}

		co.queue.Refill(resp.Peers)
		co.announceInterval = resp.Interval
		co.announced = true
		co.lastAnnounce = time.Now()

		torrentlog.Info("announce %s: %d peers, interval %s", url, len(resp.Peers), resp.Interval)
		return
	}

	co.lastAnnounce = time.Now()
	torrentlog.Fail("all trackers failed this round, retrying at next interval")
}

// --------------------------------------------------------------------------------------------- //

// announceURLs returns the torrent's announce URL followed by any
// additional tiers in its announce-list, de-duplicated, in order.
func (co *Coordinator) announceURLs() []string {
	seen := make(map[string]bool)
	var urls []string

	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}

	add(co.info.Announce)
	for _, tier := range co.info.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}

	return urls
}

// --------------------------------------------------------------------------------------------- //

// IsComplete reports whether the torrent has finished downloading.
func (co *Coordinator) IsComplete() bool { return co.manager.IsComplete() }
