package tracker

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lvbealr/leech/internal/peer"
)

func bencodeString(s string) string { return fmt.Sprintf("%d:%s", len(s), s) }
func bencodeInt(n int) string       { return fmt.Sprintf("i%de", n) }

func compactPeer(a, b, c, d byte, port uint16) string {
	return string([]byte{a, b, c, d, byte(port >> 8), byte(port)})
}

func testParams() Params {
	var hash [20]byte
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")
	return Params{InfoHash: hash, PeerID: "-PC1000-ABCDEFGHIJKL", Left: 10, Started: true}
}

func TestAnnounceHTTPSuccess(t *testing.T) {
	peers := compactPeer(127, 0, 0, 1, 6881) + compactPeer(10, 0, 0, 2, 51413)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("compact") != "1" {
			t.Errorf("expected compact=1, got %q", q.Get("compact"))
		}
		if q.Get("event") != "started" {
			t.Errorf("expected event=started on first announce, got %q", q.Get("event"))
		}
		if q.Get("left") != "10" {
			t.Errorf("expected left=10, got %q", q.Get("left"))
		}

		body := "d8:intervali1800e5:peers" + bencodeString(peers) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	resp, err := Announce(srv.URL, testParams())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 1800*time.Second {
		t.Errorf("interval = %s, want 1800s", resp.Interval)
	}
	if len(resp.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(resp.Peers))
	}
	if resp.Peers[0] != (peer.Address{IP: "127.0.0.1", Port: 6881}) {
		t.Errorf("peer[0] = %+v", resp.Peers[0])
	}
	if resp.Peers[1] != (peer.Address{IP: "10.0.0.2", Port: 51413}) {
		t.Errorf("peer[1] = %+v", resp.Peers[1])
	}
}

func TestAnnounceHTTPFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason12:torrent gonee"))
	}))
	defer srv.Close()

	_, err := Announce(srv.URL, testParams())
	if err == nil {
		t.Fatal("expected error on failure reason")
	}

	te, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *tracker.Error, got %T", err)
	}
	if te.Reason != "torrent gone" {
		t.Errorf("reason = %q, want %q", te.Reason, "torrent gone")
	}
}

func TestAnnounceHTTPNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Announce(srv.URL, testParams())
	if err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestAnnounceUnsupportedScheme(t *testing.T) {
	_, err := Announce("ftp://tracker.example/announce", testParams())
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestParseCompactPeers(t *testing.T) {
	raw := compactPeer(192, 168, 0, 1, 6889)
	peers, err := parseCompactPeers(raw)
	if err != nil {
		t.Fatalf("parseCompactPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].IP != "192.168.0.1" || peers[0].Port != 6889 {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers("short")
	if err == nil {
		t.Fatal("expected error for length not a multiple of 6")
	}
}

func TestParseCompactPeersEmpty(t *testing.T) {
	peers, err := parseCompactPeers("")
	if err != nil {
		t.Fatalf("parseCompactPeers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected 0 peers, got %d", len(peers))
	}
}
