package piece

import (
	"crypto/sha1"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
)

func hashesFor(pieces ...[]byte) [][20]byte {
	out := make([][20]byte, len(pieces))
	for i, p := range pieces {
		out[i] = sha1.Sum(p)
	}
	return out
}

func fullBitfield(n int) bitmap.Bitmap {
	bf := bitmap.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i, true)
	}
	return bf
}

func TestNextRequestIsSequentialByIndexThenBegin(t *testing.T) {
	m := NewMap(BlockSize, BlockSize*2, hashesFor(make([]byte, BlockSize), make([]byte, BlockSize)))
	peerBits := fullBitfield(2)

	blk, ok := m.NextRequest("peerA", peerBits)
	assert.True(t, ok)
	assert.Equal(t, Block{Index: 0, Begin: 0, Length: BlockSize}, blk)
}

func TestNextRequestSkipsOutstandingAndComplete(t *testing.T) {
	data0 := make([]byte, BlockSize)
	data1 := make([]byte, BlockSize)
	m := NewMap(BlockSize, BlockSize*2, hashesFor(data0, data1))
	peerBits := fullBitfield(2)

	_, _ = m.NextRequest("peerA", peerBits) // takes piece 0 block 0
	blk, ok := m.NextRequest("peerB", peerBits)
	assert.True(t, ok)
	assert.Equal(t, 1, blk.Index, "piece 0's only block is outstanding, should move to piece 1")
}

func TestNextRequestReturnsFalseWhenPeerHasNothingUseful(t *testing.T) {
	m := NewMap(BlockSize, BlockSize, hashesFor(make([]byte, BlockSize)))
	empty := bitmap.New(1)

	_, ok := m.NextRequest("peerA", empty)
	assert.False(t, ok)
}

func TestOnBlockCompletesAndVerifies(t *testing.T) {
	data := []byte("hello world, this is piece data")
	m := NewMap(len(data), len(data), hashesFor(data))
	peerBits := fullBitfield(1)

	blk, ok := m.NextRequest("peerA", peerBits)
	assert.True(t, ok)
	ready, err := m.OnBlock("peerA", blk.Index, blk.Begin, data)
	assert.NoError(t, err)
	assert.NotNil(t, ready)
	assert.Equal(t, data, ready.Buffer)
	assert.True(t, m.VerifyHash(0, ready.Buffer))

	m.OnVerified(0)
	assert.True(t, m.HasPiece(0))
	assert.True(t, m.IsComplete())
}

func TestOnVerifyFailedResetsToMissing(t *testing.T) {
	data := make([]byte, BlockSize)
	m := NewMap(BlockSize, BlockSize, hashesFor(data))
	peerBits := fullBitfield(1)

	blk, _ := m.NextRequest("peerA", peerBits)
	ready, err := m.OnBlock("peerA", blk.Index, blk.Begin, data)
	assert.NoError(t, err)

	peers := m.OnVerifyFailed(ready.Index)
	assert.True(t, peers.Contains("peerA"))
	assert.False(t, m.HasPiece(0))

	// the piece must be requestable again
	blk2, ok := m.NextRequest("peerB", peerBits)
	assert.True(t, ok)
	assert.Equal(t, 0, blk2.Index)
}

func TestReleasePeerFreesOutstandingRequests(t *testing.T) {
	m := NewMap(BlockSize*3, BlockSize*3, hashesFor(make([]byte, BlockSize*3)))
	peerBits := fullBitfield(1)

	m.NextRequest("peerA", peerBits)
	m.NextRequest("peerA", peerBits)
	m.ReleasePeer("peerA")

	blk, ok := m.NextRequest("peerB", peerBits)
	assert.True(t, ok)
	assert.Equal(t, 0, blk.Begin, "released block should be requestable again from begin 0")
}

func TestReapTimeoutsIsIdempotent(t *testing.T) {
	m := NewMap(BlockSize, BlockSize, hashesFor(make([]byte, BlockSize)))
	peerBits := fullBitfield(1)
	m.NextRequest("peerA", peerBits)

	now := time.Now().Add(time.Hour)
	first := m.ReapTimeouts(now, 30*time.Second)
	second := m.ReapTimeouts(now, 30*time.Second)
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
}

func TestLastPieceIsShorterAndBlocksSumToItsLength(t *testing.T) {
	// 2 full pieces of 2 blocks each, then a last piece of only 1000 bytes.
	total := BlockSize*2*2 + 1000
	hashes := hashesFor(make([]byte, BlockSize*2), make([]byte, BlockSize*2), make([]byte, 1000))
	m := NewMap(BlockSize*2, total, hashes)

	sum := 0
	for _, b := range m.pieces[2].blocks {
		sum += b.length
	}
	assert.Equal(t, 1000, sum)
}

func TestRegisterPeerBitfieldRejectsWrongLength(t *testing.T) {
	_, err := RegisterPeerBitfield(10, make([]byte, 1))
	assert.Error(t, err)
}

func TestRegisterPeerBitfieldRejectsTrailingPadding(t *testing.T) {
	// 5 pieces needs 1 byte; bit 7 (unused) set.
	_, err := RegisterPeerBitfield(5, []byte{0x01})
	assert.Error(t, err)
}

func TestRegisterPeerBitfieldAccepts(t *testing.T) {
	bf, err := RegisterPeerBitfield(5, []byte{0xF8})
	assert.NoError(t, err)
	assert.True(t, bitmap.Get(bf, 0))
	assert.True(t, bitmap.Get(bf, 4))
}

func TestMarkCompleteSeedsResume(t *testing.T) {
	m := NewMap(BlockSize, BlockSize*2, hashesFor(make([]byte, BlockSize), make([]byte, BlockSize)))
	m.MarkComplete(0)
	assert.True(t, m.HasPiece(0))
	assert.False(t, m.IsComplete())
	m.MarkComplete(1)
	assert.True(t, m.IsComplete())
}
