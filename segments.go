package kinescope

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"41.neocities.org/sofia"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

const segmentAttempts = 5

// dedupeSegments drops empty entries and repeated URIs, keeping the
// first occurrence. Order is otherwise preserved: request order is the
// output frame order.
func dedupeSegments(uris []string) []string {
	seen := make(map[string]bool, len(uris))
	out := make([]string, 0, len(uris))
	for _, uri := range uris {
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		out = append(out, uri)
	}
	return out
}

// transientRead reports whether a segment body read failed in a way
// worth retrying: a truncated or broken chunked transfer. Anything else
// fails the whole operation immediately.
func transientRead(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "chunked")
}

// fetchSegments downloads an ordered URI list into a single destination
// file. Segments are written strictly in request order; the file appears
// at dest only once every segment landed, so no partial track is ever
// visible at the destination path.
func (c *Client) fetchSegments(ctx context.Context, uris []string, base *url.URL, dest, label string, logger zerolog.Logger) error {
	uris = dedupeSegments(uris)

	pending, err := renameio.NewPendingFile(dest)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	prog := newProgress(label, len(uris), logger)
	for i, uri := range uris {
		data, err := c.fetchSegment(ctx, uri, base)
		if err != nil {
			return err
		}
		if i == 0 && !looksLikeMP4(data) {
			logger.Warn().Str("track", label).Str("uri", uri).
				Msg("first segment is not a fragmented MP4 initialization segment")
		}
		if _, err := pending.Write(data); err != nil {
			return err
		}
		prog.update()
	}
	return pending.CloseAtomicallyReplace()
}

// fetchSegment fetches one segment with the bounded local retry, relative
// URIs resolved against the manifest base.
func (c *Client) fetchSegment(ctx context.Context, uri string, base *url.URL) ([]byte, error) {
	target := uri
	if !strings.HasPrefix(uri, "http") && base != nil {
		target = resolveAgainst(base, uri)
	}

	var lastErr error
	for attempt := 0; attempt < segmentAttempts; attempt++ {
		resp, err := c.Get(ctx, target)
		if err != nil {
			return nil, &SegmentDownloadError{URI: uri, Err: err}
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return nil, &SegmentDownloadError{URI: uri, Err: errors.New(resp.Status)}
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil {
			return data, nil
		}
		if !transientRead(err) {
			return nil, &SegmentDownloadError{URI: uri, Err: err}
		}
		lastErr = err
	}
	return nil, &SegmentDownloadError{URI: uri, Err: lastErr}
}

// looksLikeMP4 checks for a parseable box structure with a moov box,
// which every init segment of the fixed origin's DASH tracks carries.
func looksLikeMP4(data []byte) bool {
	boxes, err := sofia.Parse(data)
	if err != nil {
		return false
	}
	_, ok := sofia.FindMoov(boxes)
	return ok
}
