package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/lvbealr/leech/internal/piece"
	"github.com/lvbealr/leech/internal/wire"
)

type blockReceivedCall struct {
	peerID     string
	pieceIndex int
	offset     uint32
	data       []byte
}

type fakeManager struct {
	addedBitfields map[string]piece.Bitfield
	requests       []piece.BlockRequest
	nextIdx        int
	received       chan blockReceivedCall
	removed        chan string
	blockErr       error
}

func newFakeManager(requests ...piece.BlockRequest) *fakeManager {
	return &fakeManager{
		addedBitfields: make(map[string]piece.Bitfield),
		requests:       requests,
		received:       make(chan blockReceivedCall, 8),
		removed:        make(chan string, 8),
	}
}

func (m *fakeManager) AddPeer(peerID string, bf piece.Bitfield) { m.addedBitfields[peerID] = bf }
func (m *fakeManager) UpdatePeer(peerID string, pieceIndex int) {}
func (m *fakeManager) RemovePeer(peerID string)                { m.removed <- peerID }

func (m *fakeManager) NextRequest(peerID string) (piece.BlockRequest, bool) {
	if m.nextIdx >= len(m.requests) {
		return piece.BlockRequest{}, false
	}
	r := m.requests[m.nextIdx]
	m.nextIdx++
	return r, true
}

func (m *fakeManager) BlockReceived(peerID string, pieceIndex int, offset uint32, data []byte) error {
	if m.blockErr != nil {
		return m.blockErr
	}
	m.received <- blockReceivedCall{peerID, pieceIndex, offset, append([]byte(nil), data...)}
	return nil
}

// readOneMessage reads off conn, feeding a decoder, until one full
// message (or keep-alive) is available. It returns an error rather than
// failing the test directly so it is safe to call from a helper
// goroutine (only the main test goroutine may call t.Fatal/FailNow).
func readOneMessage(conn net.Conn, dec *wire.Decoder) (wire.Message, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return wire.Message{}, err
		}
		msgs, err := dec.Feed(buf[:n])
		if err != nil {
			return wire.Message{}, err
		}
		if len(msgs) > 0 {
			return msgs[0], nil
		}
	}
}

func newConnWithPipe(manager PieceManager, infoHash [20]byte, peerID string) (*Connection, net.Conn) {
	client, server := net.Pipe()
	c := &Connection{
		infoHash: infoHash,
		peerID:   peerID,
		manager:  manager,
		dial: func(network, address string, timeout time.Duration) (net.Conn, error) {
			return client, nil
		},
	}
	return c, server
}

// End-to-end scenario 1 (spec §8): single-piece torrent, one peer. Stub
// peer sends handshake, Bitfield(0x80), Unchoke, then Piece(0,0,"helloworld").
// Expect one Request(0,0,10) observed, then the block delivered to the manager.
func TestSingleBlockDownloadFromPeer(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var ourID [20]byte
	copy(ourID[:], "-PC1000-ABCDEFGHIJKL")

	fm := newFakeManager(piece.BlockRequest{PieceIndex: 0, Offset: 0, Length: 10})
	conn, server := newConnWithPipe(fm, infoHash, string(ourID[:]))

	requestSeen := make(chan struct{ index, offset, length uint32 }, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)

		hsBuf := make([]byte, wire.HandshakeLen)
		if _, err := io.ReadFull(server, hsBuf); err != nil {
			t.Errorf("fake peer: reading handshake: %v", err)
			return
		}
		hs, err := wire.DecodeHandshake(hsBuf)
		if err != nil {
			t.Errorf("fake peer: decoding handshake: %v", err)
			return
		}
		if hs.InfoHash != infoHash {
			t.Errorf("fake peer: unexpected info hash in handshake")
			return
		}

		var theirID [20]byte
		copy(theirID[:], "-PC1000-REMOTEPEER01")
		server.Write(wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: theirID}))

		var dec wire.Decoder
		if _, err := readOneMessage(server, &dec); err != nil { // Interested
			t.Errorf("fake peer: reading interested: %v", err)
			return
		}

		server.Write(wire.Encode(wire.EncodeBitfield([]byte{0x80})))
		server.Write(wire.Encode(wire.Message{ID: wire.Unchoke}))

		reqMsg, err := readOneMessage(server, &dec)
		if err != nil {
			t.Errorf("fake peer: reading request: %v", err)
			return
		}
		if reqMsg.ID != wire.Request {
			t.Errorf("expected Request message, got %s", reqMsg.ID)
			return
		}
		index, offset, length, err := wire.DecodeRequest(reqMsg)
		if err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		requestSeen <- struct{ index, offset, length uint32 }{index, offset, length}

		server.Write(wire.Encode(wire.EncodePiece(0, 0, []byte("helloworld"))))
		server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.serveOne(ctx, Address{IP: "127.0.0.1", Port: 6881})
	if err != nil {
		t.Fatalf("serveOne: %v", err)
	}

	<-done

	select {
	case req := <-requestSeen:
		if req.index != 0 || req.offset != 0 || req.length != 10 {
			t.Fatalf("unexpected request: %+v", req)
		}
	default:
		t.Fatal("expected a Request to have been observed")
	}

	select {
	case call := <-fm.received:
		if call.pieceIndex != 0 || call.offset != 0 || string(call.data) != "helloworld" {
			t.Fatalf("unexpected BlockReceived call: %+v", call)
		}
	default:
		t.Fatal("expected BlockReceived to have been called")
	}
}

// A disk write failure (spec §7: IOError on disk, fatal) must stop Run
// immediately without releasing the address back to the queue, unlike an
// ordinary per-peer failure.
func TestRunStopsOnFatalIOError(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var ourID [20]byte
	copy(ourID[:], "-PC1000-ABCDEFGHIJKL")

	fm := newFakeManager(piece.BlockRequest{PieceIndex: 0, Offset: 0, Length: 10})
	fm.blockErr = &piece.IOError{Err: errors.New("disk full")}

	conn, server := newConnWithPipe(fm, infoHash, string(ourID[:]))
	conn.queue = NewAddressQueue(1)
	addr := Address{IP: "127.0.0.1", Port: 6883}
	conn.queue.Release(addr)

	go func() {
		hsBuf := make([]byte, wire.HandshakeLen)
		io.ReadFull(server, hsBuf)

		var theirID [20]byte
		copy(theirID[:], "-PC1000-REMOTEPEER03")
		server.Write(wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: theirID}))

		var dec wire.Decoder
		readOneMessage(server, &dec) // Interested

		server.Write(wire.Encode(wire.EncodeBitfield([]byte{0x80})))
		server.Write(wire.Encode(wire.Message{ID: wire.Unchoke}))
		readOneMessage(server, &dec) // Request

		server.Write(wire.Encode(wire.EncodePiece(0, 0, []byte("helloworld"))))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly after a fatal IOError")
	}

	select {
	case a := <-conn.queue.ch:
		t.Fatalf("expected the address not to be released back to the queue, got %+v", a)
	default:
	}
}

// End-to-end scenario 6 (spec §8) / P3: a handshake whose info hash does
// not match ours is a protocol error, and the connection is dropped
// without ever registering the remote peer with the manager.
func TestHandshakeInfoHashMismatchRejected(t *testing.T) {
	var ourHash [20]byte
	copy(ourHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var theirHash [20]byte
	copy(theirHash[:], "bbbbbbbbbbbbbbbbbbbb")

	var ourID [20]byte
	copy(ourID[:], "-PC1000-ABCDEFGHIJKL")

	fm := newFakeManager()
	conn, server := newConnWithPipe(fm, ourHash, string(ourID[:]))

	go func() {
		hsBuf := make([]byte, wire.HandshakeLen)
		io.ReadFull(server, hsBuf)

		var theirID [20]byte
		copy(theirID[:], "-PC1000-REMOTEPEER02")
		server.Write(wire.EncodeHandshake(wire.Handshake{InfoHash: theirHash, PeerID: theirID}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.serveOne(ctx, Address{IP: "127.0.0.1", Port: 6882})
	if err == nil {
		t.Fatal("expected an error on info hash mismatch")
	}

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}

	select {
	case peerID := <-fm.removed:
		t.Fatalf("manager.RemovePeer should not be called on a failed handshake, got %q", peerID)
	default:
	}
}
