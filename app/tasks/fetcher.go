package tasks

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxResponseSize     = 10 << 20
)

// Fetcher performs the outbound GET requests of the task handlers
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
}

func NewFetcher(httpClient *http.Client, userAgent string) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Fetcher{
		httpClient: httpClient,
		userAgent:  userAgent,
	}
}

// Fetch downloads url. When htmlOnly is set a response that is not
// text/html is rejected.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration, htmlOnly bool) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	if htmlOnly {
		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType != "text/html" {
			return nil, fmt.Errorf("content type is not HTML: %s", resp.Header.Get("Content-Type"))
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, nil
}
