package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
)

func TestNewClientDispatchesByScheme(t *testing.T) {
	c, err := NewClient("http://tracker.example.com/announce")
	assert.NoError(t, err)
	_, ok := c.(*HTTPClient)
	assert.True(t, ok)

	c, err = NewClient("udp://tracker.example.com:6969/announce")
	assert.NoError(t, err)
	_, ok = c.(*UDPClient)
	assert.True(t, ok)

	_, err = NewClient("ftp://tracker.example.com/announce")
	assert.Error(t, err)
}

func TestHTTPClientAnnounceParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		assert.Equal(t, "started", r.URL.Query().Get("event"))
		peers := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
		bencode.Marshal(w, map[string]interface{}{
			"interval": 1800,
			"peers":    string(peers),
		})
	}))
	defer srv.Close()

	c := &HTTPClient{announceURL: srv.URL}
	result, err := c.Announce(context.Background(), AnnounceRequest{
		InfoHash: [20]byte{1},
		PeerID:   [20]byte{2},
		Port:     6881,
		Event:    Started,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1800*time.Second, result.Interval)
	assert.Equal(t, []string{"127.0.0.1:6881"}, result.Peers)
}

func TestHTTPClientAnnouncePropagatesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]interface{}{"failure reason": "not a valid torrent"})
	}))
	defer srv.Close()

	c := &HTTPClient{announceURL: srv.URL}
	_, err := c.Announce(context.Background(), AnnounceRequest{})
	assert.Error(t, err)
}

func TestDecompactPeersRejectsMisalignedLength(t *testing.T) {
	_, err := decompactPeers("12345")
	assert.Error(t, err)
}

// fakeUDPTracker answers exactly one connect and one announce request,
// enough to exercise UDPClient end to end over the loopback interface.
func fakeUDPTracker(t *testing.T, pconn *net.UDPConn) {
	buf := make([]byte, 1500)
	n, raddr, err := pconn.ReadFromUDP(buf)
	assert.NoError(t, err)
	assert.Equal(t, 16, n)
	var transactionID int32
	_ = binary.BigEndian.Uint64(buf[0:8]) // magic, unchecked here
	transactionID = int32(binary.BigEndian.Uint32(buf[12:16]))

	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[0:4], uint32(udpActionConnect))
	binary.BigEndian.PutUint32(resp[4:8], uint32(transactionID))
	binary.BigEndian.PutUint64(resp[8:16], 0xC0FFEE)
	_, err = pconn.WriteToUDP(resp, raddr)
	assert.NoError(t, err)

	n, raddr, err = pconn.ReadFromUDP(buf)
	assert.NoError(t, err)
	assert.True(t, n >= 98)
	announceTransactionID := int32(binary.BigEndian.Uint32(buf[12:16]))

	out := make([]byte, 20+6)
	binary.BigEndian.PutUint32(out[0:4], uint32(udpActionAnnounce))
	binary.BigEndian.PutUint32(out[4:8], uint32(announceTransactionID))
	binary.BigEndian.PutUint32(out[8:12], 900) // interval
	binary.BigEndian.PutUint32(out[12:16], 0)  // leechers
	binary.BigEndian.PutUint32(out[16:20], 1)  // seeders
	copy(out[20:24], []byte{10, 0, 0, 1})
	binary.BigEndian.PutUint16(out[24:26], 6882)
	_, err = pconn.WriteToUDP(out, raddr)
	assert.NoError(t, err)
}

func TestUDPClientAnnounceRoundTrip(t *testing.T) {
	pconn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	assert.NoError(t, err)
	defer pconn.Close()

	done := make(chan struct{})
	go func() {
		fakeUDPTracker(t, pconn)
		close(done)
	}()

	c := &UDPClient{addr: pconn.LocalAddr().String(), Timeout: 2 * time.Second}
	result, err := c.Announce(context.Background(), AnnounceRequest{
		InfoHash: [20]byte{1},
		PeerID:   [20]byte{2},
		Port:     6881,
		Event:    Started,
	})
	<-done
	assert.NoError(t, err)
	assert.Equal(t, 900*time.Second, result.Interval)
	assert.Equal(t, []string{"10.0.0.1:6882"}, result.Peers)
}
