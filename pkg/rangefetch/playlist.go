package rangefetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"path"
	"strings"
)

const (
	maxPlaylistSize  = 64 << 10
	maxPlaylistDepth = 3
)

// Resolve stats url and, when it points at a .pls or .m3u playlist, follows
// the playlist to the first media URL. The returned Info describes the media
// resource.
func (c *Client) Resolve(ctx context.Context, url string) (Info, error) {
	for depth := 0; ; depth++ {
		info, err := c.Stat(ctx, url)
		if err != nil {
			return Info{}, err
		}

		kind := playlistKind(url, info.ContentType)
		if kind == "" {
			return info, nil
		}
		if depth == maxPlaylistDepth {
			return Info{}, fmt.Errorf("playlist nesting deeper than %d at %s", maxPlaylistDepth, url)
		}

		next, err := c.readPlaylist(ctx, url, kind)
		if err != nil {
			return Info{}, err
		}

		c.logger.Info("resolved playlist", "playlist", url, "url", next)
		url = next
	}
}

func (c *Client) readPlaylist(ctx context.Context, url, kind string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var entry string
	switch kind {
	case "pls":
		entry, err = parsePLS(io.LimitReader(resp.Body, maxPlaylistSize))
	default:
		entry, err = parseM3U(io.LimitReader(resp.Body, maxPlaylistSize))
	}
	if err != nil {
		return "", fmt.Errorf("failed to parse %s playlist %s: %w", kind, url, err)
	}

	// Entries may be relative to the playlist.
	base, err := neturl.Parse(url)
	if err != nil {
		return "", fmt.Errorf("invalid playlist URL: %w", err)
	}
	ref, err := neturl.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("invalid playlist entry %q: %w", entry, err)
	}

	return base.ResolveReference(ref).String(), nil
}

// playlistKind returns "pls", "m3u" or "" for a URL and its content type.
func playlistKind(url, contentType string) string {
	ct := strings.ToLower(contentType)
	ext := ""
	if u, err := neturl.Parse(url); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}

	switch {
	case strings.Contains(ct, "audio/x-scpls"), strings.Contains(ct, "application/pls+xml"), ext == ".pls":
		return "pls"
	case strings.Contains(ct, "mpegurl"), ext == ".m3u", ext == ".m3u8":
		return "m3u"
	}
	return ""
}

// parsePLS returns the first FileN= entry of a PLS playlist.
func parsePLS(body io.Reader) (string, error) {
	s := bufio.NewScanner(body)
	for s.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(s.Text()), "=")
		if !ok || !strings.HasPrefix(strings.ToLower(key), "file") {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}

	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U returns the first entry of an M3U playlist, skipping comments and
// directives.
func parseM3U(body io.Reader) (string, error) {
	s := bufio.NewScanner(body)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := s.Err(); err != nil {
		return "", err
	}

	return "", fmt.Errorf("no stream URL found in M3U playlist")
}
