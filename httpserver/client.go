package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/spacestore/duplication"
	"github.com/ruteri/spacestore/report"
)

// ErrNoReport is returned by Client.Report before the server completed its
// first storage report.
var ErrNoReport = errors.New("no report available")

// Client reads the status API of a running duplicatord.
type Client struct {
	// ServerAddr is the base URL of the server, e.g. http://127.0.0.1:8080.
	ServerAddr string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+path, nil)
	if err != nil {
		return err
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && path == "/api/v1/report":
		return ErrNoReport
	case resp.StatusCode != http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%s returned non-200 response: %d", path, resp.StatusCode)
		}
		return fmt.Errorf("%s returned error %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("could not parse %s response: %w", path, err)
	}
	return nil
}

// Status fetches the duplication counters.
func (c *Client) Status(ctx context.Context) (*duplication.StatusSnapshot, error) {
	var snap duplication.StatusSnapshot
	if err := c.get(ctx, "/api/v1/status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Report fetches the latest storage report.
func (c *Client) Report(ctx context.Context) (*report.Report, error) {
	var r report.Report
	if err := c.get(ctx, "/api/v1/report", &r); err != nil {
		return nil, err
	}
	return &r, nil
}
