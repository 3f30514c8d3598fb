package rangefetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/zachfi/mp3slice/pkg/mpeg"
)

var (
	// ErrUnexpectedStatus is matched by every StatusError.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")

	// ErrRangeNotSatisfiable is matched by a StatusError for a 416 response.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// StatusError reports a response status the client cannot use.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, e.Status)
}

func (e *StatusError) Unwrap() []error {
	if e.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return []error{ErrUnexpectedStatus, ErrRangeNotSatisfiable}
	}
	return []error{ErrUnexpectedStatus}
}

// Temporary is true for statuses worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether err came from the transport or from a status the
// server may not return next time.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Info describes a remote resource as reported by a HEAD request.
type Info struct {
	URL          string `json:"url"`
	Size         int64  `json:"size"` // -1 when the server did not say
	ContentType  string `json:"content_type"`
	AcceptRanges bool   `json:"accept_ranges"`
}

// Client issues HEAD and ranged GET requests against remote audio files.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Client. There is no overall client timeout so that large
// ranges can stream for as long as they need; only connecting and waiting for
// response headers are bounded.
func New(cfg Config, logger *slog.Logger) *Client {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   4,
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Add("accept", "*/*")
	if c.cfg.UserAgent != "" {
		req.Header.Add("user-agent", c.cfg.UserAgent)
	}

	return req, nil
}

// Stat queries the size and type of the resource at url.
func (c *Client) Stat(ctx context.Context, url string) (Info, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return Info{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat %s: %w", url, err)
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		c.logger.Debug("HTTP header", "url", url, "key", k, "value", v[0])
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		// No HEAD support; the size stays unknown.
		return Info{URL: url, Size: -1}, nil
	default:
		return Info{}, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return Info{
		URL:          url,
		Size:         resp.ContentLength,
		ContentType:  resp.Header.Get("Content-Type"),
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}

// Fetch requests the inclusive byte range r of url and returns a body that
// yields exactly those bytes, or fewer when the resource ends first. Servers
// that ignore the Range header are handled by skipping and limiting the full
// body. The caller closes the returned reader.
func (c *Client) Fetch(ctx context.Context, url string, r mpeg.ByteRange) (io.ReadCloser, error) {
	if r.Start < 0 || r.End < r.Start {
		return nil, fmt.Errorf("invalid range %s", r)
	}

	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", r.Header())

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}

	c.logger.Debug("range response", "url", url, "range", r.Header(), "status", resp.StatusCode,
		"content_range", resp.Header.Get("Content-Range"), "elapsed", time.Since(start))

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		c.logger.Warn("server ignored range request", "url", url, "range", r.Header())
		// Skip to the start and read its first byte so that a range starting at
		// or past the end is reported the same way a ranged server would.
		var first [1]byte
		_, err := io.CopyN(io.Discard, resp.Body, r.Start)
		if err == nil {
			_, err = io.ReadFull(resp.Body, first[:])
		}
		if err != nil {
			resp.Body.Close()
			if errors.Is(err, io.EOF) {
				return nil, &StatusError{URL: url, StatusCode: http.StatusRequestedRangeNotSatisfiable, Status: "416 range starts past the end of the body"}
			}
			return nil, fmt.Errorf("failed to skip to %d: %w", r.Start, err)
		}
		return limitedBody{
			Reader: io.MultiReader(bytes.NewReader(first[:]), io.LimitReader(resp.Body, r.Len()-1)),
			Closer: resp.Body,
		}, nil
	default:
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

// ReadRange fetches r fully into memory.
func (c *Client) ReadRange(ctx context.Context, url string, r mpeg.ByteRange) ([]byte, error) {
	body, err := c.Fetch(ctx, url, r)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	buf.Grow(int(min(r.Len(), maxPreallocate)))
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, fmt.Errorf("failed to read %s of %s: %w", r, url, err)
	}

	return buf.Bytes(), nil
}

const maxPreallocate = 4 << 20

type limitedBody struct {
	io.Reader
	io.Closer
}
