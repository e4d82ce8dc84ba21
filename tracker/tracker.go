// Package tracker implements the HTTP announce protocol (spec §4.4): it
// builds the GET request, decodes the bencoded response, and surfaces both
// tracker-level ("failure reason") and transport-level failures through
// gorent's typed errors.
package tracker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gorent/errs"
	"gorent/internal/percentcode"
)

// Event is an announce event, matching the tracker protocol's "event" query
// parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// AnnounceParams is everything an announce request needs to describe this
// session's identity and progress.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Client announces to a single tracker URL over HTTP.
type Client struct {
	announceURL string
	http        *http.Client
	logger      *zap.SugaredLogger
}

// New builds a Client for the given announce URL. httpClient may be nil, in
// which case http.DefaultClient is used. logger may be nil.
func New(announceURL string, httpClient *http.Client, logger *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{announceURL: announceURL, http: httpClient, logger: logger}
}

func buildURL(base string, p AnnounceParams) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "tracker: parsing announce URL")
	}
	q := u.Query()
	q.Set("port", strconv.Itoa(p.Port))
	q.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	q.Set("left", strconv.FormatInt(p.Left, 10))
	q.Set("compact", "1")
	if p.Event != EventNone {
		q.Set("event", string(p.Event))
	}
	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(p.NumWant))
	}
	encoded := q.Encode()
	// info_hash and peer_id are raw 20-byte digests; url.Values.Encode
	// assumes valid UTF-8 and would mangle them, so they are appended by
	// hand using the byte-exact percent encoder.
	encoded += "&info_hash=" + percentcode.Bytes(p.InfoHash[:])
	encoded += "&peer_id=" + percentcode.Bytes(p.PeerID[:])
	u.RawQuery = encoded
	return u.String(), nil
}

// Announce performs a single announce attempt and returns the decoded
// response. It does not retry; callers that want retry/backoff semantics
// should use a BackOff (see backoff.go) around this call.
func (c *Client) Announce(ctx context.Context, p AnnounceParams) (*AnnounceResponse, error) {
	reqURL, err := buildURL(c.announceURL, p)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &errs.TrackerNetwork{Cause: err}
	}
	if c.logger != nil {
		c.logger.Debugw("tracker announce", "url", c.announceURL, "event", p.Event)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.TrackerNetwork{Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.TrackerNetwork{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.TrackerFailure{Reason: "http status " + resp.Status}
	}
	out, err := decodeAnnounceResponse(body)
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Infow("tracker announce ok", "peers", len(out.Peers), "interval", out.Interval)
	}
	return out, nil
}
