package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultEndpoint  = "https://nominatim.openstreetmap.org/search"
	defaultUserAgent = "Mozilla/5.0 (MapTrack Bot)"
)

// Nominatim is the production Geocoder. One request per lookup; callers are
// expected to sit behind the cache so the public API is not hammered.
type Nominatim struct {
	endpoint  string
	userAgent string
	client    *http.Client
}

func NewNominatim(endpoint string, timeout time.Duration) *Nominatim {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Nominatim{
		endpoint:  endpoint,
		userAgent: defaultUserAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

func (n *Nominatim) Lookup(ctx context.Context, query string) (Point, bool, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Point{}, false, err
	}
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return Point{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Point{}, false, fmt.Errorf("nominatim: unexpected status %d", resp.StatusCode)
	}

	// Nominatim encodes coordinates as strings.
	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return Point{}, false, fmt.Errorf("nominatim: decode: %w", err)
	}
	if len(results) == 0 {
		return Point{}, false, nil
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Point{}, false, fmt.Errorf("nominatim: bad lat %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Point{}, false, fmt.Errorf("nominatim: bad lon %q: %w", results[0].Lon, err)
	}
	return Point{Lat: lat, Lon: lon}, true, nil
}
