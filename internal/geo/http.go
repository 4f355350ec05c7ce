package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPLocator queries an ip-api compatible JSON endpoint. The endpoint is a
// format string with one %s for the address.
type HTTPLocator struct {
	endpoint string
	client   *http.Client
}

type ipAPIResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	Message     string `json:"message"`
}

// NewHTTPLocator creates a locator with its own client timeout as a backstop
// to the caller's context.
func NewHTTPLocator(endpoint string, timeout time.Duration) *HTTPLocator {
	return &HTTPLocator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (l *HTTPLocator) Lookup(ctx context.Context, ip string) (*Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(l.endpoint, url.PathEscape(ip)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("geo request: unexpected status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("geo response: %w", err)
	}
	if body.Status != "" && body.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrNoLocation, body.Message)
	}
	if body.CountryCode == "" {
		return nil, ErrNoLocation
	}

	return &Location{CountryCode: body.CountryCode, City: body.City}, nil
}

func (l *HTTPLocator) Close() error {
	l.client.CloseIdleConnections()
	return nil
}
