package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/killerbat00/opalescence/errs"
)

// HTTPClient announces over the plain HTTP tracker protocol (BEP 0003),
// requesting the compact peer-list format.
type HTTPClient struct {
	announceURL string
	HTTP        *http.Client
}

type httpAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// Announce implements Client.
func (c *HTTPClient) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error) {
	u, err := url.Parse(c.announceURL)
	if err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.announceURL, Err: err}
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if s := req.Event.String(); s != "" {
		q.Set("event", s)
	}
	u.RawQuery = q.Encode()

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.announceURL, Err: err}
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.announceURL, Err: err, Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnnounceResult{}, &errs.TrackerError{
			URL:       c.announceURL,
			Err:       fmt.Errorf("tracker returned status %d", resp.StatusCode),
			Transient: true,
		}
	}

	var ar httpAnnounceResponse
	if err := bencode.Unmarshal(resp.Body, &ar); err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.announceURL, Err: err}
	}
	if ar.FailureReason != "" {
		return AnnounceResult{}, &errs.TrackerError{URL: c.announceURL, Err: fmt.Errorf("%s", ar.FailureReason)}
	}

	peers, err := decompactPeers(ar.Peers)
	if err != nil {
		return AnnounceResult{}, &errs.TrackerError{URL: c.announceURL, Err: err}
	}
	return AnnounceResult{Interval: time.Duration(ar.Interval) * time.Second, Peers: peers}, nil
}

// decompactPeers splits a BEP 0003 compact peer string into "ip:port"
// addresses: 4 bytes of IPv4 followed by a big-endian port, repeating.
func decompactPeers(raw string) ([]string, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of 6", len(raw))
	}
	peers := make([]string, 0, len(raw)/6)
	b := []byte(raw)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, fmt.Sprintf("%s:%d", ip, port))
	}
	return peers, nil
}
