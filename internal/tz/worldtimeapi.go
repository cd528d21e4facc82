package tz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/inkclock/internal/httpkit"
)

// WorldTimeAPI resolves a zone to its current offset with an HTTP
// lookup against a worldtimeapi.org-compatible service. The returned
// location is a fixed zone: it reflects the DST state at lookup time,
// not at the wall time being localized.
type WorldTimeAPI struct {
	BaseURL string
	Client  *http.Client
}

// NewWorldTimeAPI creates a resolver for baseURL using the shared
// outbound HTTP client.
func NewWorldTimeAPI(baseURL string, client *http.Client) *WorldTimeAPI {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithRetry(2, time.Second))
	}
	return &WorldTimeAPI{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// zoneInfo is the subset of the worldtimeapi response inkclock reads.
type zoneInfo struct {
	Timezone     string `json:"timezone"`
	Abbreviation string `json:"abbreviation"`
	UTCOffset    string `json:"utc_offset"`
	RawOffset    *int   `json:"raw_offset"`
	DSTOffset    *int   `json:"dst_offset"`
	DST          bool   `json:"dst"`
}

// offset returns seconds east of UTC, preferring the numeric fields.
func (z zoneInfo) offset() (int, error) {
	if z.RawOffset != nil {
		off := *z.RawOffset
		if z.DST && z.DSTOffset != nil {
			off += *z.DSTOffset
		}
		return off, nil
	}
	return parseUTCOffset(z.UTCOffset)
}

// parseUTCOffset parses "+05:30" / "-04:00" into seconds.
func parseUTCOffset(s string) (int, error) {
	t, err := time.Parse("-07:00", s)
	if err != nil {
		return 0, fmt.Errorf("parse utc_offset %q: %w", s, err)
	}
	_, off := t.Zone()
	return off, nil
}

// Location implements [elapsed.Resolver].
func (w *WorldTimeAPI) Location(ctx context.Context, zone string, _ time.Time) (*time.Location, error) {
	endpoint := w.BaseURL + "/" + (&url.URL{Path: zone}).EscapedPath()

	var info zoneInfo
	if err := httpkit.GetJSON(ctx, w.Client, endpoint, &info); err != nil {
		return nil, fmt.Errorf("timezone lookup %s: %w", zone, err)
	}

	off, err := info.offset()
	if err != nil {
		return nil, err
	}
	name := info.Abbreviation
	if name == "" {
		name = zone
	}
	return time.FixedZone(name, off), nil
}

// Ping checks that the lookup service answers, for connwatch.
func (w *WorldTimeAPI) Ping(ctx context.Context, zone string) error {
	_, err := w.Location(ctx, zone, time.Time{})
	return err
}
