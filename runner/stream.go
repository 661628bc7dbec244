package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	testTimeout      = 5 * time.Second
	errorBodyLimit   = 4096
	streamReaderSize = 64 * 1024
)

// HTTPConfig is shared by the runners that talk to a local HTTP server.
type HTTPConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func (c HTTPConfig) withDefaults(defaultURL string) HTTPConfig {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// probe issues a GET and fails with ErrUnavailable unless it returns 2xx.
func probe(ctx context.Context, client *http.Client, runner, url string) error {
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return unavailable(runner, "build request: %v", err)
	}
	res, err := client.Do(req)
	if err != nil {
		return unavailable(runner, "not reachable at %s: %v", url, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, errorBodyLimit))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return unavailable(runner, "%s returned status %d", url, res.StatusCode)
	}
	return nil
}

// openStream posts payload as JSON and returns the streaming response body.
func openStream(ctx context.Context, client *http.Client, runner, url string, payload any) (io.ReadCloser, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, generationErr(runner, "marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, generationErr(runner, "build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return nil, generationErr(runner, "request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		return nil, generationErr(runner, "status %d: %s", res.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return res.Body, nil
}

// errStreamDone stops readLines without an error.
var errStreamDone = errors.New("stream done")

// readLines calls fn for every non-empty line until fn returns
// errStreamDone, another error, or the body is exhausted.
func readLines(runner string, body io.Reader, fn func(line []byte) error) error {
	reader := bufio.NewReaderSize(body, streamReaderSize)
	for {
		line, readErr := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if err := fn(line); err != nil {
				if errors.Is(err, errStreamDone) {
					return nil
				}
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return generationErr(runner, "read stream: %w", readErr)
		}
	}
}

func malformed(runner string, line []byte) error {
	const maxExcerpt = 120
	excerpt := string(line)
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt] + "..."
	}
	return generationErr(runner, "malformed stream payload: %s", excerpt)
}

func endpoint(base, path string) string {
	return base + path
}
