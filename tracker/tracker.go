// Package tracker announces to a BitTorrent tracker over HTTP or UDP
// and reports back the peer list and the interval until the next
// announce, per spec §6. It never seeds: uploaded is always reported 0.
package tracker

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/killerbat00/opalescence/errs"
)

// Event is the announce lifecycle event (spec §6).
type Event int

const (
	None Event = iota
	Started
	Completed
	Stopped
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceRequest is everything a tracker needs to answer an announce.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// AnnounceResult is the tracker's answer: how long to wait before the
// next periodic announce, and the peer addresses it returned.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []string // "host:port"
}

// Client announces to a single tracker. Implementations exist for the
// http(s):// and udp:// announce-URL schemes.
type Client interface {
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error)
}

// NewClient builds the Client appropriate for announceURL's scheme.
func NewClient(announceURL string) (Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &errs.TrackerError{URL: announceURL, Err: err}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &HTTPClient{announceURL: announceURL}, nil
	case "udp":
		return &UDPClient{addr: u.Host}, nil
	default:
		return nil, &errs.TrackerError{URL: announceURL, Err: errUnsupportedScheme(u.Scheme)}
	}
}

type errUnsupportedScheme string

func (e errUnsupportedScheme) Error() string { return "unsupported tracker scheme: " + string(e) }
