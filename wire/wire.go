// Package wire frames the BitTorrent peer wire protocol: the fixed
// handshake preamble and the length-prefixed message stream that follows
// it. All integers are big-endian; a frame of length 0 is a keepalive.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/killerbat00/opalescence/errs"
)

// MessageID identifies a peer wire-protocol message. Values 0-8 are the
// ones this leech-only build ever sends or accepts; anything else is a
// protocol violation.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

// BlockRequestCeiling is the standard 16 KiB request-size ceiling.
const BlockRequestCeiling = 16 * 1024

// Pstr is the fixed protocol identifier string exchanged in the handshake.
const Pstr = "BitTorrent protocol"

// Message is a decoded wire-protocol frame. Payload is the frame body
// after the message id; Piece/Request/Cancel/Have/Bitfield payloads are
// interpreted with the helpers below.
type Message struct {
	ID      MessageID
	Payload []byte
}

// NewHave builds a Have message announcing pieceIndex.
func NewHave(pieceIndex int) Message {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(pieceIndex))
	return Message{ID: Have, Payload: b}
}

// NewBitfield builds a Bitfield message from raw have-bits.
func NewBitfield(bits []byte) Message {
	return Message{ID: Bitfield, Payload: bits}
}

// NewRequest builds a Request message for a block.
func NewRequest(index, begin, length int) Message {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], uint32(index))
	binary.BigEndian.PutUint32(b[4:8], uint32(begin))
	binary.BigEndian.PutUint32(b[8:12], uint32(length))
	return Message{ID: Request, Payload: b}
}

// NewCancel builds a Cancel message; same payload layout as Request.
func NewCancel(index, begin, length int) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// NewPiece builds a Piece (block delivery) message.
func NewPiece(index, begin int, block []byte) Message {
	b := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(b[0:4], uint32(index))
	binary.BigEndian.PutUint32(b[4:8], uint32(begin))
	copy(b[8:], block)
	return Message{ID: Piece, Payload: b}
}

// ParseHave extracts the piece index from a Have message.
func ParseHave(m Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("have: payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest extracts index/begin/length from a Request or Cancel message.
func ParseRequest(m Message) (index, begin, length int, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("request: payload length %d, want 12", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts index/begin/block from a Piece message.
func ParsePiece(m Message) (index, begin int, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece: payload length %d, want >= 8", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	block = m.Payload[8:]
	return index, begin, block, nil
}

// Handshake is the fixed 68-byte preamble exchanged once per connection.
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

const handshakeLen = 1 + 19 + 8 + 20 + 20

// Codec frames messages over a connection, enforcing read/write deadlines
// and a policy cap on declared frame length.
type Codec struct {
	conn      net.Conn
	timeout   time.Duration
	maxLength uint32

	sendMu   sync.Mutex
	lastSent time.Time
}

// NewCodec wraps conn. maxLength bounds the declared length of any
// message frame (the handshake has a fixed size and isn't bounded by it).
func NewCodec(conn net.Conn, timeout time.Duration, maxLength uint32) *Codec {
	return &Codec{conn: conn, timeout: timeout, maxLength: maxLength}
}

// LastMessageSent reports when the last frame (including keepalives) was
// written, used to decide whether a keepalive is due.
func (c *Codec) LastMessageSent() time.Time {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.lastSent
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// WriteHandshake sends the fixed preamble.
func (c *Codec) WriteHandshake(h Handshake) error {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(len(Pstr)))
	buf.WriteString(Pstr)
	buf.Write(make([]byte, 8)) // reserved
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])
	return c.write(buf.Bytes())
}

// ReadHandshake reads and validates the fixed preamble. A deviation in
// pstrlen, pstr, or info-hash is a HandshakeError; the caller supplies
// the expected info-hash since it must already know which swarm it's
// dialing into.
func (c *Codec) ReadHandshake(expectedInfoHash [20]byte) (Handshake, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	data := make([]byte, handshakeLen)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return Handshake{}, &errs.TransportError{Peer: c.conn.RemoteAddr().String(), Err: err}
	}
	pstrLen := int(data[0])
	if pstrLen != len(Pstr) {
		return Handshake{}, &errs.HandshakeError{
			Peer:   c.conn.RemoteAddr().String(),
			Reason: fmt.Sprintf("pstrlen %d, want %d", pstrLen, len(Pstr)),
		}
	}
	pstr := string(data[1 : 1+pstrLen])
	if pstr != Pstr {
		return Handshake{}, &errs.HandshakeError{
			Peer:   c.conn.RemoteAddr().String(),
			Reason: fmt.Sprintf("pstr %q, want %q", pstr, Pstr),
		}
	}
	var h Handshake
	h.Pstr = pstr
	copy(h.InfoHash[:], data[1+pstrLen+8:1+pstrLen+8+20])
	copy(h.PeerID[:], data[1+pstrLen+8+20:])
	if h.InfoHash != expectedInfoHash {
		return Handshake{}, &errs.HandshakeError{
			Peer:   c.conn.RemoteAddr().String(),
			Reason: "info-hash mismatch",
		}
	}
	return h, nil
}

// WriteMessage frames and sends m.
func (c *Codec) WriteMessage(m Message) error {
	buf := &bytes.Buffer{}
	length := uint32(1 + len(m.Payload))
	binary.Write(buf, binary.BigEndian, length)
	buf.WriteByte(byte(m.ID))
	buf.Write(m.Payload)
	return c.write(buf.Bytes())
}

// WriteKeepAlive sends a zero-length frame.
func (c *Codec) WriteKeepAlive() error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint32(0))
	return c.write(buf.Bytes())
}

// ReadMessage reads one frame. A nil Message with a nil error is a
// keepalive. Any declared length above maxLength, or a connection close
// mid-frame, is a ProtocolError.
func (c *Codec) ReadMessage() (*Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	peer := c.conn.RemoteAddr().String()

	var length uint32
	if err := binary.Read(c.conn, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return nil, &errs.ProtocolError{Peer: peer, Reason: "connection closed before frame"}
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &errs.ProtocolError{Peer: peer, Reason: "connection closed mid-frame"}
		}
		return nil, &errs.TransportError{Peer: peer, Err: err}
	}
	if length == 0 {
		return nil, nil
	}
	if length > c.maxLength {
		return nil, &errs.ProtocolError{Peer: peer, Reason: fmt.Sprintf("frame length %d exceeds cap %d", length, c.maxLength)}
	}

	var id byte
	if err := binary.Read(c.conn, binary.BigEndian, &id); err != nil {
		if err == io.EOF {
			return nil, &errs.ProtocolError{Peer: peer, Reason: "connection closed mid-frame"}
		}
		return nil, &errs.TransportError{Peer: peer, Err: err}
	}
	if MessageID(id) > Cancel {
		return nil, &errs.ProtocolError{Peer: peer, Reason: fmt.Sprintf("unknown message id %d", id)}
	}

	var payload []byte // stays nil for id-only messages, as they are built
	if length > 1 {
		payload = make([]byte, length-1)
	}
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &errs.ProtocolError{Peer: peer, Reason: "connection closed mid-frame"}
		}
		return nil, &errs.TransportError{Peer: peer, Err: err}
	}
	return &Message{ID: MessageID(id), Payload: payload}, nil
}

// write serializes writes (WriteMessage/WriteKeepAlive/WriteHandshake may
// be called from both the session's message loop and its keepalive
// goroutine) and records lastSent under the same lock LastMessageSent
// reads through.
func (c *Codec) write(b []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(b); err != nil {
		return &errs.TransportError{Peer: c.conn.RemoteAddr().String(), Err: err}
	}
	c.lastSent = time.Now()
	return nil
}
