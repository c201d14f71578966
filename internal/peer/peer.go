package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lvbealr/leech/internal/piece"
	"github.com/lvbealr/leech/internal/torrentlog"
	"github.com/lvbealr/leech/internal/wire"
)

// ProtocolError marks a failure that should drop just this peer
// connection (spec §7): handshake mismatch, malformed frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "peer: protocol error: " + e.Reason }

// handshakeChunk and handshakeRetries bound the handshake read (spec
// §4.D step 3: "retry reads up to 10 times, each up to a fixed chunk size").
const (
	handshakeChunk   = 32
	handshakeRetries = 10
)

const (
	connectTimeout   = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	readTimeout      = 2 * time.Minute
	writeTimeout     = 30 * time.Second
)

// --------------------------------------------------------------------------------------------- //

// PieceManager is the subset of piece.Manager a Connection needs. Kept
// as an interface so tests can drive a Connection against a fake.
type PieceManager interface {
	AddPeer(peerID string, bitfield piece.Bitfield)
	UpdatePeer(peerID string, pieceIndex int)
	RemovePeer(peerID string)
	NextRequest(peerID string) (piece.BlockRequest, bool)
	BlockReceived(peerID string, pieceIndex int, offset uint32, data []byte) error
}

// --------------------------------------------------------------------------------------------- //

// localState is our side of the two independent four-state vectors (spec
// §4.D): choke status and interest status.
type localState struct {
	choked     bool
	interested bool
	inFlight   bool
}

// peerState is the remote side of the same vectors, tracked only to
// log/ignore Interested/NotInterested (seeding is out of scope).
type peerState struct {
	choked     bool
	interested bool
}

// --------------------------------------------------------------------------------------------- //

// Connection runs the lifecycle of spec §4.D for one peer slot: take an
// address from the shared queue, connect, handshake, then loop reading
// and writing wire messages until the connection ends or the context
// passed to Run is cancelled.
type Connection struct {
	infoHash [20]byte
	peerID   string
	manager  PieceManager
	queue    *AddressQueue

	dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

// --------------------------------------------------------------------------------------------- //

/*
NewConnection constructs a peer connection worker bound to queue and
manager. Dial defaults to net.DialTimeout, stored in the unexported
dial field set here; package tests replace that field to hand the
Connection one end of an in-memory net.Pipe.

Parameters:
  - infoHash: the torrent's info hash, sent and verified in every handshake.
  - peerID: our local peer id, sent in every handshake.
  - queue: the shared peer-address queue.
  - manager: the piece manager this connection reports to.

Returns:
  - *Connection: ready to Run.
*/
func NewConnection(infoHash [20]byte, peerID string, queue *AddressQueue, manager PieceManager) *Connection {
	return &Connection{
		infoHash: infoHash,
		peerID:   peerID,
		manager:  manager,
		queue:    queue,
		dial: func(network, address string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout(network, address, timeout)
		},
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Run executes the connection's lifecycle (spec §4.D steps 1-6)
repeatedly until ctx is cancelled: take a peer off the queue, connect
and handshake, run the message loop, and on any per-peer failure
release the slot and loop back to taking another address.

Parameters:
  - ctx: cancelled by the coordinator to stop this worker (spec §5 "Cancellation").
*/
func (c *Connection) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		addr, ok := c.queue.Take(ctx)
		if !ok {
			return
		}

		if err := c.serveOne(ctx, addr); err != nil {
			var ioErr *piece.IOError
			if errors.As(err, &ioErr) {
				torrentlog.Error("peer %s: %v (torrent-wide, aborting)", addr, err)
				return
			}

			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				torrentlog.Fail("peer %s: %v", addr, err)
			} else {
				torrentlog.Warn("peer %s: %v", addr, err)
			}
		}

		c.queue.Release(addr)
	}
}

// --------------------------------------------------------------------------------------------- //

// serveOne runs one connect-handshake-loop cycle for a single address.
// Run releases the slot and tries another address after any return
// except a *piece.IOError, which stops the worker. Once the handshake
// has succeeded, the peer manager's per-peer state is cleaned up via
// RemovePeer before returning; a failed connect or handshake never
// registered any.
func (c *Connection) serveOne(ctx context.Context, addr Address) error {
	conn, err := c.dial("tcp", addr.String(), connectTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err) // PeerUnavailable class (spec §7)
	}
	defer conn.Close()

	remotePeerID, leftover, err := c.handshake(conn)
	if err != nil {
		return err
	}

	torrentlog.Status("green", "peer %s: handshake ok, remote peer id %s", addr, remotePeerID)
	defer c.manager.RemovePeer(remotePeerID)

	return c.messageLoop(ctx, conn, remotePeerID, leftover)
}

// --------------------------------------------------------------------------------------------- //

// handshake sends our handshake and reads the peer's, retrying the read
// up to handshakeRetries times in handshakeChunk-sized pieces (spec
// §4.D step 3). Any bytes read past the 68-byte handshake frame are
// returned as leftover, to be fed into the stream decoder immediately.
func (c *Connection) handshake(conn net.Conn) (remotePeerID string, leftover []byte, err error) {
	var ourID [20]byte
	copy(ourID[:], c.peerID)

	frame := wire.EncodeHandshake(wire.Handshake{InfoHash: c.infoHash, PeerID: ourID})

	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write(frame); err != nil {
		return "", nil, fmt.Errorf("sending handshake: %w", err)
	}

	buf := make([]byte, 0, wire.HandshakeLen)
	chunk := make([]byte, handshakeChunk)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for attempt := 0; attempt < handshakeRetries && len(buf) < wire.HandshakeLen; attempt++ {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF && len(buf) >= wire.HandshakeLen {
				break
			}
			return "", nil, &ProtocolError{Reason: fmt.Sprintf("reading handshake: %v", err)}
		}
	}

	if len(buf) < wire.HandshakeLen {
		return "", nil, &ProtocolError{Reason: fmt.Sprintf("handshake incomplete after %d retries (%d/%d bytes)", handshakeRetries, len(buf), wire.HandshakeLen)}
	}

	hs, err := wire.DecodeHandshake(buf[:wire.HandshakeLen])
	if err != nil {
		return "", nil, &ProtocolError{Reason: err.Error()}
	}

	if !bytes.Equal(hs.InfoHash[:], c.infoHash[:]) {
		return "", nil, &ProtocolError{Reason: "info hash mismatch"}
	}

	return string(bytes.TrimRight(hs.PeerID[:], "\x00")), buf[wire.HandshakeLen:], nil
}

// --------------------------------------------------------------------------------------------- //

// messageLoop implements spec §4.D steps 4-5: announce interest, then
// react to incoming messages and keep exactly one request in flight
// whenever unchoked and interested.
func (c *Connection) messageLoop(ctx context.Context, conn net.Conn, peerID string, leftover []byte) error {
	local := localState{choked: true, interested: false}
	remote := peerState{choked: true, interested: false}

	if err := c.send(conn, wire.Message{ID: wire.Interested}); err != nil {
		return fmt.Errorf("sending interested: %w", err)
	}
	local.interested = true

	var dec wire.Decoder
	msgs, err := dec.Feed(leftover)
	if err != nil {
		return &ProtocolError{Reason: err.Error()}
	}

	for {
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return nil
			}

			if err := c.handle(conn, peerID, msg, &local, &remote); err != nil {
				return err
			}
		}

		// Called once per decoded batch rather than after each individual
		// message: inFlight only ever flips inside maybeRequest itself (set
		// true here) or in handle's Choke/Piece cases, both already applied
		// by the per-message loop above, so a single call after the batch
		// sees the same state a per-message call would.
		if err := c.maybeRequest(conn, peerID, &local); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		buf := make([]byte, 64*1024)
		n, err := conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}

		msgs, err = dec.Feed(buf[:n])
		if err != nil {
			return &ProtocolError{Reason: err.Error()}
		}
	}
}

// --------------------------------------------------------------------------------------------- //

func (c *Connection) handle(conn net.Conn, peerID string, msg wire.Message, local *localState, remote *peerState) error {
	if msg.IsKeepAlive() {
		return nil
	}

	switch msg.ID {
	case wire.Bitfield:
		c.manager.AddPeer(peerID, piece.Bitfield(append([]byte(nil), msg.Payload...)))

	case wire.Have:
		index, err := wire.DecodeHave(msg)
		if err != nil {
			return &ProtocolError{Reason: err.Error()}
		}
		c.manager.UpdatePeer(peerID, int(index))

	case wire.Choke:
		local.choked = true
		local.inFlight = false

	case wire.Unchoke:
		local.choked = false

	case wire.Interested:
		remote.interested = true

	case wire.NotInterested:
		remote.interested = false

	case wire.Piece:
		index, begin, data, err := wire.DecodePiece(msg)
		if err != nil {
			return &ProtocolError{Reason: err.Error()}
		}
		local.inFlight = false
		if err := c.manager.BlockReceived(peerID, int(index), begin, data); err != nil {
			return err
		}

	case wire.Request, wire.Cancel:
		torrentlog.Info("peer %s: ignoring %s (seeding out of scope)", peerID, msg.ID)

	default:
		torrentlog.Info("peer %s: ignoring unknown message id %d", peerID, msg.ID)
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

// maybeRequest asks the piece manager for the next block when we are
// unchoked, interested, and have no request outstanding (spec §4.D
// step 5, "pipeline depth 1").
func (c *Connection) maybeRequest(conn net.Conn, peerID string, local *localState) error {
	if local.choked || !local.interested || local.inFlight {
		return nil
	}

	req, ok := c.manager.NextRequest(peerID)
	if !ok {
		return nil
	}

	local.inFlight = true
	return c.send(conn, wire.EncodeRequest(uint32(req.PieceIndex), req.Offset, req.Length))
}

// --------------------------------------------------------------------------------------------- //

func (c *Connection) send(conn net.Conn, msg wire.Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(wire.Encode(msg))
	return err
}
