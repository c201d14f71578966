// Package metainfo parses bencoded .torrent files and exposes the
// immutable metadata the rest of the client needs: announce URL,
// info-hash, piece length, per-piece digests, output filename and total
// size (spec §3, §6).
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

const pieceDigestLength = 20

// --------------------------------------------------------------------------------------------- //

// rawFile mirrors the top-level bencoded dictionary of a .torrent file.
// Only the keys spec §6 consumes are decoded; anything else (comment,
// creation date, announce-list, ...) is carried along only when a
// tracker transport needs it (see AnnounceList).
type rawFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

type rawInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	Files       []any  `bencode:"files"`
}

// --------------------------------------------------------------------------------------------- //

// Info is the parsed, immutable metainfo for a single-file torrent.
// Never mutated after Load returns (spec §3: "Metainfo is created once
// at startup and never mutated").
type Info struct {
	Announce     string
	AnnounceList [][]string
	InfoHash     [20]byte
	PieceLength  int64
	PieceHashes  [][20]byte
	Name         string
	TotalSize    int64
}

// --------------------------------------------------------------------------------------------- //

/*
Load reads and parses a .torrent file from path.

It is a MalformedTorrent-class fatal error (spec §7) if the file cannot
be decoded, if info.files is present (only single-file torrents are
supported, per spec §6), if info.pieces is not a multiple of 20 bytes,
if the implied total size does not fit the piece layout, or if that
layout implies a final piece of zero or negative size.

Parameters:
  - path: filesystem path to the .torrent file.

Returns:
  - *Info: the parsed metainfo.
  - error: non-nil on any malformed-torrent condition.
*/
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	if len(raw.Info.Files) > 0 {
		return nil, fmt.Errorf("metainfo: %q is a multi-file torrent, which is not supported", path)
	}

	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: invalid piece length %d", raw.Info.PieceLength)
	}

	if len(raw.Info.Pieces)%pieceDigestLength != 0 {
		return nil, fmt.Errorf("metainfo: pieces string length %d is not a multiple of %d", len(raw.Info.Pieces), pieceDigestLength)
	}

	numPieces := len(raw.Info.Pieces) / pieceDigestLength
	hashes := make([][20]byte, numPieces)
	for i := range hashes {
		copy(hashes[i][:], raw.Info.Pieces[i*pieceDigestLength:(i+1)*pieceDigestLength])
	}

	if raw.Info.Length < 0 || raw.Info.Length > raw.Info.PieceLength*int64(numPieces) {
		return nil, fmt.Errorf("metainfo: total size %d exceeds piece layout %d x %d", raw.Info.Length, raw.Info.PieceLength, numPieces)
	}

	if numPieces > 0 {
		if lastPieceSize := raw.Info.Length - raw.Info.PieceLength*int64(numPieces-1); lastPieceSize <= 0 {
			return nil, fmt.Errorf("metainfo: piece layout implies a non-positive final piece size %d (total size %d, piece length %d, %d pieces)",
				lastPieceSize, raw.Info.Length, raw.Info.PieceLength, numPieces)
		}
	}

	infoHash, err := computeInfoHash(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: computing info hash: %w", err)
	}

	return &Info{
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		InfoHash:     infoHash,
		PieceLength:  raw.Info.PieceLength,
		PieceHashes:  hashes,
		Name:         raw.Info.Name,
		TotalSize:    raw.Info.Length,
	}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
computeInfoHash locates the raw bencoded bytes of the "info" subtree
within the full torrent file and returns their SHA-1 digest.

The bytes are located by a hand-rolled bencode walk rather than by
re-encoding the parsed Go struct, because re-encoding risks reordering
dictionary keys or renormalizing integers, either of which would change
the hash the tracker and peers expect.

Parameters:
  - data: the raw, still-encoded torrent file contents.

Returns:
  - [20]byte: SHA-1 digest of the info dictionary's bencoded bytes.
  - error: non-nil if the "4:info" prefix or its dictionary cannot be found.
*/
func computeInfoHash(data []byte) ([20]byte, error) {
	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(infoBytes), nil
}

// --------------------------------------------------------------------------------------------- //

/*
extractInfoBytes scans data for the "4:info" key prefix and returns the
byte range of the bencoded value that follows it (a dictionary or list,
tracked via nesting depth).

Parameters:
  - data: raw bencoded torrent file bytes.

Returns:
  - []byte: the sub-slice of data spanning the info value, start to end inclusive.
  - error: non-nil if the prefix is absent or the value is unterminated/malformed.
*/
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++

		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}

		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}
			i = j

		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at offset %d-%d", i, j)
					}
					i = j + length
				}
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}

// --------------------------------------------------------------------------------------------- //

/*
NumPieces returns the number of pieces implied by the piece digest list.
*/
func (info *Info) NumPieces() int {
	return len(info.PieceHashes)
}
