package piece

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/torrentlog"
)

// MaxPendingTime is the default pending-request expiry (spec §4.F).
const MaxPendingTime = 300 * time.Second

// --------------------------------------------------------------------------------------------- //

// BlockRequest is what the piece manager hands back from NextRequest: a
// single block to ask a specific peer for.
type BlockRequest struct {
	PieceIndex int
	Offset     uint32
	Length     uint32
}

type pendingKey struct {
	pieceIndex int
	offset     uint32
}

type pendingEntry struct {
	firstRequestMs int64
}

// --------------------------------------------------------------------------------------------- //

// IOError marks a failure writing an assembled piece to disk (spec §7:
// "IOError on disk — fatal, aborts the run"). Unlike a dropped or
// mismatched block, a disk failure is torrent-wide, not peer-local: it
// is surfaced through Manager.Aborted rather than handled by the one
// peer connection that happened to deliver the triggering block.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("piece: disk write failed: %v", e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// --------------------------------------------------------------------------------------------- //

// Manager owns the full piece set, the three piece buckets (missing,
// ongoing, have — spec §3 "Piece buckets"), the pending-request table,
// per-peer availability, and the output file descriptor. All entry
// points are guarded by a single mutex: the spec's cooperative-scheduler
// model maps onto goroutines as "no suspension while the mutex is held"
// (spec §9), which every method here satisfies since nothing blocks on
// I/O inside the critical section except the final disk write, itself
// bounded and non-reentrant.
type Manager struct {
	mu sync.Mutex

	pieceLength int64
	totalSize   int64
	pieces      []*Piece

	missing []int
	ongoing []int
	have    map[int]bool

	pending map[pendingKey]*pendingEntry

	availability map[string]Bitfield

	downloadedBytes int64

	out *os.File
	bar *progressbar.ProgressBar

	aborted  bool
	abortErr error
	abortCh  chan struct{}
}

// --------------------------------------------------------------------------------------------- //

/*
NewManager constructs a Manager for info, creating (or truncating) the
flat output file at outputPath to info.TotalSize bytes (spec §4.F disk
layout; a sparse file is fine).

Parameters:
  - info: the parsed torrent metainfo.
  - outputPath: path of the single output file to create/open.

Returns:
  - *Manager: ready to accept peers and deliver blocks.
  - error: non-nil if the output file cannot be created (fatal IOError per spec §7).
*/
func NewManager(info *metainfo.Info, outputPath string) (*Manager, error) {
	pieces := BuildPieces(info)

	f, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("piece: creating output file %q: %w", outputPath, err)
	}

	if err := f.Truncate(info.TotalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("piece: truncating output file %q: %w", outputPath, err)
	}

	missing := make([]int, len(pieces))
	for i := range pieces {
		missing[i] = i
	}

	bar := progressbar.NewOptions64(info.TotalSize,
		progressbar.OptionSetDescription(info.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
	)

	return &Manager{
		pieceLength:  info.PieceLength,
		totalSize:    info.TotalSize,
		pieces:       pieces,
		missing:      missing,
		ongoing:      nil,
		have:         make(map[int]bool),
		pending:      make(map[pendingKey]*pendingEntry),
		availability: make(map[string]Bitfield),
		out:          f,
		bar:          bar,
		abortCh:      make(chan struct{}),
	}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
AddPeer installs a peer's bitfield, replacing any prior bitfield for
that peer id.
*/
func (m *Manager) AddPeer(peerID string, bitfield Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.availability[peerID] = bitfield
}

// --------------------------------------------------------------------------------------------- //

/*
UpdatePeer records that peerID now claims pieceIndex (a Have message),
creating the peer's availability entry if this is the first message
seen from it.
*/
func (m *Manager) UpdatePeer(peerID string, pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.availability[peerID]
	if !ok {
		bf = NewBitfield(len(m.pieces))
	}
	bf.Set(pieceIndex)
	m.availability[peerID] = bf
}

// --------------------------------------------------------------------------------------------- //

// RemovePeer discards a peer's availability entry on disconnect.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.availability, peerID)
}

// --------------------------------------------------------------------------------------------- //

/*
NextRequest implements the selection policy of spec §4.F, in priority
order: expired pending requests, blocks from ongoing pieces the peer
claims, then rarest-first among missing pieces the peer claims.

Parameters:
  - peerID: the requesting peer's identifier.

Returns:
  - BlockRequest: the block to request.
  - bool: false if the peer claims no piece we still need, or if every
    block of the unfinished pieces it claims is already pending and none
    of those requests has expired.
*/
func (m *Manager) NextRequest(peerID string) (BlockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.availability[peerID]
	if !ok {
		bf = NewBitfield(len(m.pieces))
	}

	if req, ok := m.expiredRequest(peerID, bf); ok {
		return req, true
	}

	if req, ok := m.ongoingRequest(peerID, bf); ok {
		return req, true
	}

	return m.rarestFirstRequest(peerID, bf)
}

// --------------------------------------------------------------------------------------------- //

// expiredRequest scans the pending table for a request older than
// MaxPendingTime whose piece the peer claims, refreshing its timestamp
// in place (it is never removed by expiry, only by delivery).
func (m *Manager) expiredRequest(peerID string, bf Bitfield) (BlockRequest, bool) {
	now := nowMs()

	for key, entry := range m.pending {
		if now-entry.firstRequestMs < MaxPendingTime.Milliseconds() {
			continue
		}

		if !bf.Has(key.pieceIndex) {
			continue
		}

		entry.firstRequestMs = now

		piece := m.pieces[key.pieceIndex]
		block := blockAt(piece, key.offset)
		if block == nil {
			continue
		}

		return BlockRequest{PieceIndex: key.pieceIndex, Offset: key.offset, Length: block.Length}, true
	}

	return BlockRequest{}, false
}

// --------------------------------------------------------------------------------------------- //

// ongoingRequest walks the ongoing bucket in order, offering the next
// unclaimed block of the first ongoing piece the peer claims.
func (m *Manager) ongoingRequest(peerID string, bf Bitfield) (BlockRequest, bool) {
	for _, index := range m.ongoing {
		if !bf.Has(index) {
			continue
		}

		block, ok := m.pieces[index].NextRequest()
		if !ok {
			continue
		}

		m.recordPending(index, block.Offset)
		return BlockRequest{PieceIndex: index, Offset: block.Offset, Length: block.Length}, true
	}

	return BlockRequest{}, false
}

// --------------------------------------------------------------------------------------------- //

// rarestFirstRequest picks, among missing pieces the peer claims, the
// one held by the fewest known peers, ties broken by earliest index
// (spec P9), moves it to ongoing, and returns its first block.
func (m *Manager) rarestFirstRequest(peerID string, bf Bitfield) (BlockRequest, bool) {
	best := -1
	bestCount := -1

	for _, index := range m.missing {
		if !bf.Has(index) {
			continue
		}

		count := m.claimCount(index)
		if bestCount == -1 || count < bestCount {
			bestCount = count
			best = index
		}
	}

	if best == -1 {
		return BlockRequest{}, false
	}

	m.moveMissingToOngoing(best)

	block, ok := m.pieces[best].NextRequest()
	if !ok {
		return BlockRequest{}, false
	}

	m.recordPending(best, block.Offset)
	return BlockRequest{PieceIndex: best, Offset: block.Offset, Length: block.Length}, true
}

func (m *Manager) claimCount(pieceIndex int) int {
	count := 0
	for _, bf := range m.availability {
		if bf.Has(pieceIndex) {
			count++
		}
	}
	return count
}

func (m *Manager) moveMissingToOngoing(index int) {
	for i, v := range m.missing {
		if v == index {
			m.missing = append(m.missing[:i], m.missing[i+1:]...)
			break
		}
	}
	m.ongoing = append(m.ongoing, index)
}

func (m *Manager) recordPending(pieceIndex int, offset uint32) {
	key := pendingKey{pieceIndex: pieceIndex, offset: offset}
	m.pending[key] = &pendingEntry{firstRequestMs: nowMs()}
}

func blockAt(p *Piece, offset uint32) *Block {
	for _, b := range p.Blocks {
		if b.Offset == offset {
			return b
		}
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// --------------------------------------------------------------------------------------------- //

/*
BlockReceived delivers a downloaded block to its piece. When the piece
becomes complete it is verified immediately: on a digest match the
piece is written to disk at its absolute file offset and moved from
ongoing to have; on a mismatch the piece is reset (all blocks back to
Missing) and stays in ongoing so its blocks are naturally re-requested
through the normal selection path (spec §9 open question, resolved:
ongoing rather than missing).

Parameters:
  - peerID: the delivering peer, used only in log lines; the matching
    pending entry is dropped by piece index and offset, whoever requested it.
  - pieceIndex: index of the piece the block belongs to.
  - offset: block offset within the piece.
  - data: the block's payload.
*/
func (m *Manager) BlockReceived(peerID string, pieceIndex int, offset uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, pendingKey{pieceIndex: pieceIndex, offset: offset})

	if !m.isOngoing(pieceIndex) {
		torrentlog.Fail("piece manager: block for piece %d from %s has no ongoing entry, dropping", pieceIndex, peerID)
		return nil
	}

	piece := m.pieces[pieceIndex]
	if !piece.OnBlock(offset, data) {
		torrentlog.Fail("piece manager: block for piece %d offset %d from %s matches no block, dropping", pieceIndex, offset, peerID)
		return nil
	}

	if !piece.IsComplete() {
		return nil
	}

	if !piece.IsValid() {
		torrentlog.Status("red", "piece manager: piece %d failed hash verification, resetting", pieceIndex)
		piece.Reset()
		return nil
	}

	data = piece.Concat()
	if _, err := m.out.WriteAt(data, int64(pieceIndex)*m.pieceLength); err != nil {
		ioErr := &IOError{Err: err}
		m.abort(ioErr)
		return ioErr
	}

	m.moveOngoingToHave(pieceIndex)
	m.downloadedBytes += int64(len(data))

	if m.bar != nil {
		m.bar.Set64(m.downloadedBytes)
	}

	torrentlog.Status("green", "piece %d verified (%d/%d, %.1f%%)",
		pieceIndex, len(m.have), len(m.pieces), 100*float64(len(m.have))/float64(len(m.pieces)))

	return nil
}

// abort records a torrent-wide fatal error and closes abortCh, waking any
// goroutine selecting on Aborted. Called with m.mu already held. A second
// call (from a racing write on another piece) is a no-op: only the first
// fatal error is kept.
func (m *Manager) abort(err error) {
	if m.aborted {
		return
	}
	m.aborted = true
	m.abortErr = err
	close(m.abortCh)
}

// Aborted returns a channel that is closed once a fatal, torrent-wide
// error (spec §7: IOError on disk) has occurred. Callers should select on
// it alongside ctx.Done() and stop the run, then read AbortErr.
func (m *Manager) Aborted() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.abortCh
}

// AbortErr returns the error that triggered Aborted, or nil if Aborted
// has not fired.
func (m *Manager) AbortErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.abortErr
}

func (m *Manager) isOngoing(index int) bool {
	for _, v := range m.ongoing {
		if v == index {
			return true
		}
	}
	return false
}

func (m *Manager) moveOngoingToHave(index int) {
	for i, v := range m.ongoing {
		if v == index {
			m.ongoing = append(m.ongoing[:i], m.ongoing[i+1:]...)
			break
		}
	}
	m.have[index] = true
}

// --------------------------------------------------------------------------------------------- //

// IsComplete reports whether every piece has been verified and written.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.have) == len(m.pieces)
}

// --------------------------------------------------------------------------------------------- //

// BytesDownloaded returns the total size of all verified pieces (spec
// §9: "counts only fully verified pieces").
func (m *Manager) BytesDownloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.downloadedBytes
}

// BytesUploaded always returns 0: seeding is a non-goal (spec §1).
func (m *Manager) BytesUploaded() int64 { return 0 }

// --------------------------------------------------------------------------------------------- //

// Close flushes and releases the output file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bar != nil {
		m.bar.Finish()
	}

	return m.out.Close()
}
