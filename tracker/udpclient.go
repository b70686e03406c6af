package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/killerbat00/opalescence/errs"
)

// udpProtocolMagic is the fixed connection-id used for the initial
// connect request (BEP 0015).
const udpProtocolMagic int64 = 0x41727101980

const (
	udpActionConnect  int32 = 0
	udpActionAnnounce int32 = 1
)

// UDPClient announces over the BEP 0015 UDP tracker protocol.
type UDPClient struct {
	addr    string
	Timeout time.Duration
}

// Announce implements Client.
func (c *UDPClient) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	raddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.addr, Err: err}
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.addr, Err: err, Transient: true}
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	connID, err := c.connect(conn)
	if err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.addr, Err: err, Transient: true}
	}
	return c.announce(conn, connID, req)
}

func (c *UDPClient) connect(conn *net.UDPConn) (int64, error) {
	transactionID := rand.Int31()

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, udpProtocolMagic)
	binary.Write(buf, binary.BigEndian, udpActionConnect)
	binary.Write(buf, binary.BigEndian, transactionID)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, err
	}
	r := bytes.NewReader(resp)
	var action int32
	var respTransactionID int32
	var connectionID int64
	binary.Read(r, binary.BigEndian, &action)
	binary.Read(r, binary.BigEndian, &respTransactionID)
	binary.Read(r, binary.BigEndian, &connectionID)
	if action != udpActionConnect {
		return 0, fmt.Errorf("udp tracker: unexpected action %d in connect response", action)
	}
	if respTransactionID != transactionID {
		return 0, fmt.Errorf("udp tracker: transaction id mismatch in connect response")
	}
	return connectionID, nil
}

func (c *UDPClient) announce(conn *net.UDPConn, connectionID int64, req AnnounceRequest) (AnnounceResult, error) {
	transactionID := rand.Int31()

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, connectionID)
	binary.Write(buf, binary.BigEndian, udpActionAnnounce)
	binary.Write(buf, binary.BigEndian, transactionID)
	buf.Write(req.InfoHash[:])
	buf.Write(req.PeerID[:])
	binary.Write(buf, binary.BigEndian, req.Downloaded)
	binary.Write(buf, binary.BigEndian, req.Left)
	binary.Write(buf, binary.BigEndian, req.Uploaded)
	binary.Write(buf, binary.BigEndian, int32(udpEventCode(req.Event)))
	binary.Write(buf, binary.BigEndian, int32(0)) // IP address: default
	binary.Write(buf, binary.BigEndian, rand.Int31())
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.Write(buf, binary.BigEndian, numWant)
	binary.Write(buf, binary.BigEndian, req.Port)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return AnnounceResult{}, err
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return AnnounceResult{}, err
	}
	if n < 20 {
		return AnnounceResult{}, fmt.Errorf("udp tracker: announce response too short (%d bytes)", n)
	}
	r := bytes.NewReader(resp[:n])
	var action, respTransactionID, interval, leechers, seeders int32
	binary.Read(r, binary.BigEndian, &action)
	binary.Read(r, binary.BigEndian, &respTransactionID)
	if action != udpActionAnnounce {
		return AnnounceResult{}, fmt.Errorf("udp tracker: unexpected action %d in announce response", action)
	}
	if respTransactionID != transactionID {
		return AnnounceResult{}, fmt.Errorf("udp tracker: transaction id mismatch in announce response")
	}
	binary.Read(r, binary.BigEndian, &interval)
	binary.Read(r, binary.BigEndian, &leechers)
	binary.Read(r, binary.BigEndian, &seeders)

	rest, err := io.ReadAll(r)
	if err != nil {
		return AnnounceResult{}, err
	}
	peers, err := decompactPeers(string(rest))
	if err != nil {
		return AnnounceResult{}, err
	}
	return AnnounceResult{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

func udpEventCode(e Event) int32 {
	switch e {
	case Completed:
		return 1
	case Started:
		return 2
	case Stopped:
		return 3
	default:
		return 0
	}
}
