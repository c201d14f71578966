// Package piece implements the in-memory piece/block model (spec §3,
// §4.E) and the piece manager that selects work, times out pending
// requests, verifies hashes, and assembles the output file (spec §4.F).
package piece

import (
	"crypto/sha1"

	"github.com/lvbealr/leech/internal/metainfo"
)

// RequestSize is R, the fixed block size (spec §3). Every block is R
// bytes except the last block of a piece whose size is not a multiple
// of R, which holds the remainder; with a piece length that is a
// multiple of R, that is only the final block of the final piece.
const RequestSize = 1 << 14

// Status is a block's lifecycle state (spec §3).
type Status int

const (
	Missing Status = iota
	Pending
	Retrieved
)

// --------------------------------------------------------------------------------------------- //

// Block is one fixed-offset, fixed-length unit of request within a Piece.
type Block struct {
	PieceIndex int
	Offset     uint32
	Length     uint32
	Status     Status
	Data       []byte
}

// --------------------------------------------------------------------------------------------- //

// Piece is the unit of hash verification: a digest and its ordered,
// contiguous blocks.
type Piece struct {
	Index  int
	Digest [20]byte
	Blocks []*Block
}

// --------------------------------------------------------------------------------------------- //

/*
BuildPieces constructs the full ordered slice of Piece from a loaded
torrent's metainfo, splitting each piece into RequestSize blocks as
described in spec §4.E.

Parameters:
  - info: the parsed, immutable torrent metainfo.

Returns:
  - []*Piece: one Piece per entry in info.PieceHashes, fully split into blocks.
*/
func BuildPieces(info *metainfo.Info) []*Piece {
	numPieces := info.NumPieces()
	pieces := make([]*Piece, numPieces)

	for i := 0; i < numPieces; i++ {
		pieceSize := pieceSizeFor(info, i)
		pieces[i] = &Piece{
			Index:  i,
			Digest: info.PieceHashes[i],
			Blocks: buildBlocks(i, pieceSize),
		}
	}

	return pieces
}

func pieceSizeFor(info *metainfo.Info, index int) int64 {
	if index < info.NumPieces()-1 {
		return info.PieceLength
	}

	last := info.TotalSize - int64(info.NumPieces()-1)*info.PieceLength
	return last
}

func buildBlocks(pieceIndex int, pieceSize int64) []*Block {
	numBlocks := (pieceSize + RequestSize - 1) / RequestSize
	if numBlocks == 0 {
		numBlocks = 1
	}

	blocks := make([]*Block, 0, numBlocks)

	var offset int64
	for offset < pieceSize {
		length := int64(RequestSize)
		if remaining := pieceSize - offset; remaining < length {
			length = remaining
		}

		blocks = append(blocks, &Block{
			PieceIndex: pieceIndex,
			Offset:     uint32(offset),
			Length:     uint32(length),
			Status:     Missing,
		})

		offset += length
	}

	return blocks
}

// --------------------------------------------------------------------------------------------- //

/*
NextRequest returns the first block still Missing, marking it Pending, or
ok=false if every block has already been requested or retrieved.
*/
func (p *Piece) NextRequest() (*Block, bool) {
	for _, b := range p.Blocks {
		if b.Status == Missing {
			b.Status = Pending
			return b, true
		}
	}
	return nil, false
}

// --------------------------------------------------------------------------------------------- //

/*
OnBlock records data for the block at offset, marking it Retrieved. A
delivery for an offset that doesn't match any block is logged by the
caller and ignored here (returns false).
*/
func (p *Piece) OnBlock(offset uint32, data []byte) bool {
	for _, b := range p.Blocks {
		if b.Offset == offset {
			b.Status = Retrieved
			b.Data = data
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------------------------- //

// IsComplete reports whether every block has been retrieved.
func (p *Piece) IsComplete() bool {
	for _, b := range p.Blocks {
		if b.Status != Retrieved {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------------------------- //

// IsValid reports whether the concatenation of all block data, in
// offset order, hashes to this piece's digest. Only meaningful once
// IsComplete is true.
func (p *Piece) IsValid() bool {
	h := sha1.New()
	for _, b := range p.Blocks {
		h.Write(b.Data)
	}
	var sum [20]byte
	copy(sum[:], h.Sum(nil))
	return sum == p.Digest
}

// --------------------------------------------------------------------------------------------- //

// Concat returns the concatenation of all block data in offset order.
// Only meaningful once IsComplete is true.
func (p *Piece) Concat() []byte {
	size := 0
	for _, b := range p.Blocks {
		size += len(b.Data)
	}

	out := make([]byte, 0, size)
	for _, b := range p.Blocks {
		out = append(out, b.Data...)
	}

	return out
}

// --------------------------------------------------------------------------------------------- //

// Reset returns every block to Missing and clears its data, discarding a
// corrupt download so the piece can be re-requested.
func (p *Piece) Reset() {
	for _, b := range p.Blocks {
		b.Status = Missing
		b.Data = nil
	}
}

// --------------------------------------------------------------------------------------------- //

// Length returns the total byte length of the piece (sum of its blocks).
func (p *Piece) Length() int64 {
	var total int64
	for _, b := range p.Blocks {
		total += int64(b.Length)
	}
	return total
}
