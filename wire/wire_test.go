package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func pipeCodecs(t *testing.T, maxLength uint32) (*Codec, *Codec) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewCodec(a, time.Second, maxLength), NewCodec(b, time.Second, maxLength)
}

func TestHandshakeRoundTrip(t *testing.T) {
	client, server := pipeCodecs(t, 1<<20)
	infoHash := [20]byte{1, 2, 3}
	peerID := [20]byte{9, 9, 9}

	done := make(chan error, 1)
	go func() { done <- client.WriteHandshake(Handshake{InfoHash: infoHash, PeerID: peerID}) }()

	got, err := server.ReadHandshake(infoHash)
	assert.NoError(t, err)
	assert.NoError(t, <-done)
	assert.Equal(t, Pstr, got.Pstr)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
}

func TestHandshakeInfoHashMismatchIsFatal(t *testing.T) {
	client, server := pipeCodecs(t, 1<<20)
	go client.WriteHandshake(Handshake{InfoHash: [20]byte{1}, PeerID: [20]byte{2}})

	_, err := server.ReadHandshake([20]byte{0xFF})
	assert.Error(t, err)
}

func TestKeepAliveIsNilMessage(t *testing.T) {
	client, server := pipeCodecs(t, 1<<20)
	go client.WriteKeepAlive()

	msg, err := server.ReadMessage()
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func messageRoundTrips(t *testing.T, m Message) {
	client, server := pipeCodecs(t, 1<<20)
	go client.WriteMessage(m)

	got, err := server.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Payload, got.Payload)
}

func TestMessageRoundTrips(t *testing.T) {
	messageRoundTrips(t, Message{ID: Choke})
	messageRoundTrips(t, Message{ID: Unchoke})
	messageRoundTrips(t, Message{ID: Interested})
	messageRoundTrips(t, Message{ID: NotInterested})
	messageRoundTrips(t, NewHave(7))
	messageRoundTrips(t, NewBitfield([]byte{0xFF, 0x00}))
	messageRoundTrips(t, NewRequest(1, 16384, 16384))
	messageRoundTrips(t, NewPiece(1, 0, []byte("hello")))
	messageRoundTrips(t, NewCancel(1, 0, 16384))
}

func TestParseHelpersRoundTrip(t *testing.T) {
	idx, err := ParseHave(NewHave(42))
	assert.NoError(t, err)
	assert.Equal(t, 42, idx)

	index, begin, length, err := ParseRequest(NewRequest(1, 2, 3))
	assert.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, 2, begin)
	assert.Equal(t, 3, length)

	index, begin, block, err := ParsePiece(NewPiece(5, 10, []byte("data")))
	assert.NoError(t, err)
	assert.Equal(t, 5, index)
	assert.Equal(t, 10, begin)
	assert.Equal(t, []byte("data"), block)
}

func TestOversizedFrameIsProtocolError(t *testing.T) {
	client, server := pipeCodecs(t, 32)
	go client.WriteMessage(NewPiece(0, 0, make([]byte, 1024)))

	_, err := server.ReadMessage()
	assert.Error(t, err)
}

func TestUnknownMessageIDIsProtocolError(t *testing.T) {
	client, server := pipeCodecs(t, 1<<20)
	go client.WriteMessage(Message{ID: MessageID(99), Payload: []byte{1}})

	_, err := server.ReadMessage()
	assert.Error(t, err)
}
