package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"subcheck/internal/shared/logger"
)

const userAgent = "subcheck/1.0"

// Fetcher retrieves the raw bytes of one subscription source. Retry
// and caching policy live behind this interface, not in the
// aggregator.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// HTTPFetcher fetches http(s) sources with bounded retries and treats
// anything else as a local file path.
type HTTPFetcher struct {
	client  *http.Client
	retries int
}

// NewHTTPFetcher builds a fetcher with a per-request timeout and the
// number of extra attempts after a failed fetch.
func NewHTTPFetcher(timeout time.Duration, retries int) *HTTPFetcher {
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.ReadFile(source)
	}

	l := logger.WithComponent("Speedtest/Fetcher")
	delay := time.Second

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			l.Debug().Int("attempt", attempt+1).Str("url", source).Msg("Retrying subscription fetch.")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Spread retries out a little more each time.
			delay = delay * 3 / 2
		}

		body, err := f.fetchOnce(ctx, source)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
