// Package piece owns the global piece/block accounting: the have-bitfield,
// per-piece block state, and the naive sequential block selector. It is
// the single source of truth the peer sessions and the writer coordinate
// through; it holds no reference back to any peer session.
package piece

import (
	"crypto/sha1"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/killerbat00/opalescence/errs"
)

// BlockSize is the standard request ceiling: 16 KiB.
const BlockSize = 16 * 1024

// State is a piece's position in its Missing -> InFlight -> Complete
// lifecycle (Invariant 1: never backwards except on verify failure).
type State int

const (
	Missing State = iota
	InFlight
	Complete
)

// Block is a block-request unit: a contiguous (piece, begin, length)
// triple with length <= BlockSize.
type Block struct {
	Index  int
	Begin  int
	Length int
}

type blockEntry struct {
	length          int
	received        bool
	outstandingPeer string
	requestedAt     time.Time
}

type pieceEntry struct {
	status State
	blocks []blockEntry
	buffer []byte // filled as blocks arrive, byte-indexed within the piece
	peers  mapset.Set
}

type requestKey struct {
	index int
	begin int
}

// Map is the global piece/block accounting structure described in
// spec §3/§4.2. All methods are safe for concurrent use.
type Map struct {
	mu sync.Mutex

	pieceLength int
	totalLength int
	hashes      [][20]byte
	have        bitmap.Bitmap
	pieces      []*pieceEntry

	// byPeer lets ReleasePeer and reconnection bookkeeping find a peer's
	// outstanding requests in O(k) instead of scanning every piece.
	byPeer map[string]map[requestKey]struct{}
}

// NewMap constructs the piece map for a torrent of the given piece
// length, total content length, and ordered piece hashes.
func NewMap(pieceLength, totalLength int, hashes [][20]byte) *Map {
	m := &Map{
		pieceLength: pieceLength,
		totalLength: totalLength,
		hashes:      hashes,
		have:        bitmap.New(len(hashes)),
		pieces:      make([]*pieceEntry, len(hashes)),
		byPeer:      make(map[string]map[requestKey]struct{}),
	}
	for i := range m.pieces {
		m.pieces[i] = &pieceEntry{
			blocks: blockLayout(m.pieceByteLength(i)),
			peers:  mapset.NewSet(),
		}
	}
	return m
}

// pieceByteLength is the declared length of piece i: pieceLength for all
// but the last piece, which may be shorter.
func (m *Map) pieceByteLength(i int) int {
	if i < len(m.pieces)-1 || len(m.pieces) == 0 {
		return m.pieceLength
	}
	last := m.totalLength - (len(m.pieces)-1)*m.pieceLength
	if last <= 0 {
		return m.pieceLength
	}
	return last
}

func blockLayout(pieceLen int) []blockEntry {
	n := (pieceLen + BlockSize - 1) / BlockSize
	blocks := make([]blockEntry, n)
	remaining := pieceLen
	for i := 0; i < n; i++ {
		l := BlockSize
		if remaining < BlockSize {
			l = remaining
		}
		blocks[i] = blockEntry{length: l}
		remaining -= l
	}
	return blocks
}

// NumPieces is the number of pieces in the torrent.
func (m *Map) NumPieces() int {
	return len(m.pieces)
}

// Bitfield returns a snapshot of the local have-bitfield, ready to send
// in a Bitfield message: ceil(N/8) bytes, piece 0 in the high bit.
func (m *Map) Bitfield() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, (len(m.pieces)+7)/8)
	for i := range m.pieces {
		if m.have.Get(i) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// HasPiece reports whether piece i is Complete.
func (m *Map) HasPiece(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieces[i].status == Complete
}

// PiecesDownloaded counts pieces currently Complete.
func (m *Map) PiecesDownloaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pieces {
		if p.status == Complete {
			n++
		}
	}
	return n
}

// IsComplete reports whether every piece is Complete.
func (m *Map) IsComplete() bool {
	return m.PiecesDownloaded() == len(m.pieces)
}

// MarkComplete is used by the resume scan (§4.3) to seed already-verified
// pieces before any peer session opens, without going through the normal
// block-accounting path.
func (m *Map) MarkComplete(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pieces[i].status = Complete
	m.have.Set(i, true)
}

// RegisterPeerBitfield validates and records a peer's advertised
// bitfield. Invariant 5: the bitfield must have exactly NumPieces bits
// with zero trailing padding; a violation is a ProtocolError and the
// caller should drop the peer. raw is read MSB-first (piece 0 in the high
// bit of the first byte); in the returned bitmap, bit i is piece i.
func RegisterPeerBitfield(numPieces int, raw []byte) (bitmap.Bitmap, error) {
	if len(raw) != (numPieces+7)/8 {
		return nil, &errs.ProtocolError{Reason: "bitfield length does not match ceil(N/8)"}
	}
	bf := bitmap.New(numPieces)
	for i := 0; i < len(raw)*8; i++ {
		if raw[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= numPieces {
			return nil, &errs.ProtocolError{Reason: "bitfield has non-zero trailing padding bits"}
		}
		bf.Set(i, true)
	}
	return bf, nil
}

// NextRequest selects the next block to request from peerID, which
// advertises peerBits. Selection is naive-sequential: the smallest piece
// index that is not Complete, that peerBits advertises, and that has a
// block not currently outstanding; within a piece, blocks are chosen in
// ascending begin order. Returns ok=false when the peer can offer no
// progress.
func (m *Map) NextRequest(peerID string, peerBits bitmap.Bitmap) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.pieces {
		if p.status == Complete {
			continue
		}
		if !bitmap.Get(peerBits, i) {
			continue
		}
		for b := range p.blocks {
			blk := &p.blocks[b]
			if blk.received || blk.outstandingPeer != "" {
				continue
			}
			blk.outstandingPeer = peerID
			blk.requestedAt = time.Now()
			p.status = InFlight
			m.trackRequest(peerID, i, b*BlockSize)
			return Block{Index: i, Begin: b * BlockSize, Length: blk.length}, true
		}
	}
	return Block{}, false
}

func (m *Map) trackRequest(peerID string, index, begin int) {
	reqs, ok := m.byPeer[peerID]
	if !ok {
		reqs = make(map[requestKey]struct{})
		m.byPeer[peerID] = reqs
	}
	reqs[requestKey{index: index, begin: begin}] = struct{}{}
}

func (m *Map) untrackRequest(peerID string, index, begin int) {
	if reqs, ok := m.byPeer[peerID]; ok {
		delete(reqs, requestKey{index: index, begin: begin})
		if len(reqs) == 0 {
			delete(m.byPeer, peerID)
		}
	}
}

// ReadyPiece is returned by OnBlock when a piece's last block arrives;
// it carries the assembled buffer for the writer to verify.
type ReadyPiece struct {
	Index  int
	Buffer []byte
}

// OnBlock stores a received block. Open Question 3: a block that fills
// a currently-Missing block of the piece is accepted even if this peer
// didn't have it outstanding (e.g. after a timeout reassigned it
// elsewhere); anything else is discarded. When the piece's last block
// arrives, the piece buffer is returned for verification.
func (m *Map) OnBlock(peerID string, index, begin int, data []byte) (*ReadyPiece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return nil, &errs.ProtocolError{Peer: peerID, Reason: "block for out-of-range piece index"}
	}
	p := m.pieces[index]
	if p.status == Complete {
		return nil, nil
	}
	blockIdx := begin / BlockSize
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return nil, &errs.ProtocolError{Peer: peerID, Reason: "block begin past end of piece"}
	}
	blk := &p.blocks[blockIdx]
	if blk.received {
		return nil, nil
	}
	if len(data) != blk.length {
		return nil, &errs.ProtocolError{Peer: peerID, Reason: "block length does not match layout"}
	}

	if blk.outstandingPeer != "" {
		m.untrackRequest(blk.outstandingPeer, index, begin)
	}
	blk.received = true
	blk.outstandingPeer = ""
	if p.buffer == nil {
		p.buffer = make([]byte, m.pieceByteLength(index))
	}
	copy(p.buffer[begin:], data)
	p.peers.Add(peerID)

	for i := range p.blocks {
		if !p.blocks[i].received {
			return nil, nil
		}
	}
	return &ReadyPiece{Index: index, Buffer: p.buffer}, nil
}

// OnVerified flips the have-bit for a piece whose SHA-1 matched.
func (m *Map) OnVerified(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pieces[index]
	p.status = Complete
	p.buffer = nil
	m.have.Set(index, true)
}

// OnVerifyFailed resets a piece to Missing, clearing its buffer and
// block bitmap, and returns the set of peers that contributed a block to
// it so the caller can penalize them (recommended: drop the session).
func (m *Map) OnVerifyFailed(index int) mapset.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pieces[index]
	peers := p.peers
	p.peers = mapset.NewSet()
	p.status = Missing
	p.buffer = nil
	for i := range p.blocks {
		p.blocks[i] = blockEntry{length: p.blocks[i].length}
	}
	return peers
}

// VerifyHash is a convenience used by tests and by the writer to decide
// whether a buffer matches the declared hash for a piece.
func (m *Map) VerifyHash(index int, buffer []byte) bool {
	sum := sha1.Sum(buffer)
	return sum == m.hashes[index]
}

// ReleasePeer releases every request outstanding to peerID (on choke,
// disconnect, or ban) so the blocks can be re-offered to the selector.
func (m *Map) ReleasePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byPeer[peerID] {
		p := m.pieces[key.index]
		blk := &p.blocks[key.begin/BlockSize]
		if blk.outstandingPeer == peerID {
			blk.outstandingPeer = ""
		}
	}
	delete(m.byPeer, peerID)
}

// ReapTimeouts releases any request outstanding longer than ttl as of
// now. Idempotent: calling it twice with the same clock is a no-op the
// second time, since a released block no longer looks outstanding.
func (m *Map) ReapTimeouts(now time.Time, ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for index, p := range m.pieces {
		for b := range p.blocks {
			blk := &p.blocks[b]
			if blk.outstandingPeer == "" || blk.received {
				continue
			}
			if now.Sub(blk.requestedAt) >= ttl {
				m.untrackRequest(blk.outstandingPeer, index, b*BlockSize)
				blk.outstandingPeer = ""
				released++
			}
		}
	}
	return released
}
