// Package tracker implements the HTTP tracker announce (spec §4.B,
// §6) plus an opportunistic UDP announce transport adapted from the
// teacher's dependency-free UDP client, used for any udp:// announce
// URL, whether the torrent's announce or an announce-list entry
// (SPEC_FULL §5).
package tracker

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/torrentlog"
)

// Port is the value advertised to trackers in the "port" query parameter.
const Port = 6889

// Error reports a tracker-level failure (spec §7: TrackerError — logged,
// coordinator retries at the next interval, never fatal).
type Error struct {
	Announce string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracker: %s: %s", e.Announce, e.Reason)
}

// --------------------------------------------------------------------------------------------- //

// rawResponse mirrors the bencoded tracker announce response (spec §6).
type rawResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Response is the decoded, successful result of an announce.
type Response struct {
	Interval time.Duration
	Peers    []peer.Address
}

// --------------------------------------------------------------------------------------------- //

// Params carries the per-request fields spec §6's query table requires.
type Params struct {
	InfoHash   [20]byte
	PeerID     string
	Uploaded   int64
	Downloaded int64
	Left       int64
	Started    bool // event=started, only on the first announce
}

// --------------------------------------------------------------------------------------------- //

/*
Announce performs one announce against announceURL, an HTTP or UDP
tracker URL. HTTP is the transport spec §6 requires; UDP is an
additional opportunistic transport (SPEC_FULL §5) chosen by URL scheme
alone: any udp:// URL (the torrent's announce or an announce-list
entry) is announced over UDP, and http:// / https:// URLs always use
HTTP.

Parameters:
  - announceURL: the tracker URL to contact.
  - params: the announce request fields (info hash, peer id, counters).

Returns:
  - *Response: interval and peer list on success.
  - error: a *Error on tracker-level failure (spec §7 TrackerError class).
*/
func Announce(announceURL string, params Params) (*Response, error) {
	switch {
	case strings.HasPrefix(announceURL, "udp://"):
		return announceUDP(announceURL, params)
	case strings.HasPrefix(announceURL, "http://"), strings.HasPrefix(announceURL, "https://"):
		return announceHTTP(announceURL, params)
	default:
		return nil, &Error{Announce: announceURL, Reason: "unsupported announce URL scheme"}
	}
}

// --------------------------------------------------------------------------------------------- //

func announceHTTP(announceURL string, params Params) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}

	q := url.Values{}
	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", params.PeerID)
	q.Set("port", strconv.Itoa(Port))
	q.Set("uploaded", strconv.FormatInt(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(params.Downloaded, 10))
	q.Set("left", strconv.FormatInt(params.Left, 10))
	q.Set("compact", "1")
	if params.Started {
		q.Set("event", "started")
	}
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: 15 * time.Second}

	torrentlog.Info("tracker: GET %s", u.String())

	resp, err := client.Get(u.String())
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Announce: announceURL, Reason: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, &Error{Announce: announceURL, Reason: fmt.Sprintf("decoding response: %v", err)}
	}

	if raw.Failure != "" {
		return nil, &Error{Announce: announceURL, Reason: raw.Failure}
	}

	peers, err := parseCompactPeers(raw.Peers)
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}

	return &Response{Interval: time.Duration(raw.Interval) * time.Second, Peers: peers}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
parseCompactPeers decodes a compact peer list: 6-byte entries, 4-byte
IPv4 address followed by a 2-byte big-endian port (spec §6). The
dictionary-model peer list is not supported by this client.

Parameters:
  - raw: the compact peer list bytes.

Returns:
  - []peer.Address: one entry per 6-byte slice.
  - error: non-nil if len(raw) is not a multiple of 6.
*/
func parseCompactPeers(raw string) ([]peer.Address, error) {
	b := []byte(raw)
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d is not a multiple of 6", len(b))
	}

	addrs := make([]peer.Address, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3]).String()
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		addrs = append(addrs, peer.Address{IP: ip, Port: port})
	}

	return addrs, nil
}

// --------------------------------------------------------------------------------------------- //

// announceUDP speaks the BEP 15 UDP tracker protocol: a connect
// handshake, tried up to 3 times with a growing deadline, followed by an
// announce matching the teacher's CreateAnnounceRequest layout. The
// announce itself is sent once; a failed write or read is returned as an
// error without retrying.
func announceUDP(announceURL string, params Params) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}
	defer conn.Close()

	const protocolID uint64 = 0x41727101980

	transactionID := randomUint32()
	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], protocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], 0) // action=connect
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	var connectionID uint64

	for attempt := 0; attempt < 3; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))

		if _, err := conn.Write(connectReq); err != nil {
			continue
		}

		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil || n < 16 {
			continue
		}

		if binary.BigEndian.Uint32(resp[0:4]) != 0 || binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			continue
		}

		connectionID = binary.BigEndian.Uint64(resp[8:16])
		break
	}

	if connectionID == 0 {
		return nil, &Error{Announce: announceURL, Reason: "no usable connect response after 3 attempts"}
	}

	event := uint32(0)
	if params.Started {
		event = 2
	}

	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], 1) // action=announce
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], params.InfoHash[:])
	copy(announceReq[36:56], []byte(params.PeerID))
	binary.BigEndian.PutUint64(announceReq[56:64], uint64(params.Downloaded))
	binary.BigEndian.PutUint64(announceReq[64:72], uint64(params.Left))
	binary.BigEndian.PutUint64(announceReq[72:80], uint64(params.Uploaded))
	binary.BigEndian.PutUint32(announceReq[80:84], event)
	binary.BigEndian.PutUint32(announceReq[88:92], randomUint32()) // key
	binary.BigEndian.PutUint32(announceReq[92:96], ^uint32(0))     // num_want = -1 (default)
	binary.BigEndian.PutUint16(announceReq[96:98], Port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(announceReq); err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}
	if n < 20 {
		return nil, &Error{Announce: announceURL, Reason: fmt.Sprintf("announce response too short: %d bytes", n)}
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == 3 {
		return nil, &Error{Announce: announceURL, Reason: string(resp[8:n])}
	}
	if action != 1 || binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, &Error{Announce: announceURL, Reason: "unexpected or mismatched announce response"}
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := parseCompactPeers(string(resp[20:n]))
	if err != nil {
		return nil, &Error{Announce: announceURL, Reason: err.Error()}
	}

	return &Response{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

func randomUint32() uint32 {
	var buf [4]byte
	_, _ = crand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
