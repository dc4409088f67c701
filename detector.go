package kinescope

import (
	"context"
	"io"
	"net/http"
	"strings"
)

// PlaylistType classifies the delivery protocol of a detected master.
type PlaylistType int

const (
	HLS PlaylistType = iota
	DASH
)

func (t PlaylistType) String() string {
	if t == DASH {
		return "dash"
	}
	return "hls"
}

const (
	hlsMagic     = "#EXTM3U"
	hlsMimeType  = "application/vnd.apple.mpegurl"
	dashRootElem = "<MPD"
)

// detectMaster probes the HLS master first, then the DASH master, and
// classifies the video's delivery protocol. The classified master body
// is returned so the caller does not have to fetch it a second time.
// The HLS-before-DASH order is a compatibility guarantee, not a protocol
// one.
func detectMaster(ctx context.Context, client *Client, video *Video) (string, string, PlaylistType, error) {
	hlsURL := video.HLSMasterURL()
	body, contentType, err := probe(ctx, client, hlsURL)
	if err == nil && (strings.Contains(body, hlsMagic) || strings.Contains(contentType, hlsMimeType)) {
		return hlsURL, body, HLS, nil
	}

	dashURL := video.MPDMasterURL()
	body, _, err = probe(ctx, client, dashURL)
	if err == nil && strings.Contains(body, dashRootElem) {
		return dashURL, body, DASH, nil
	}
	return "", "", HLS, ErrVideoNotFound
}

// probe fetches rawURL and returns body and content type only for a 200
// response.
func probe(ctx context.Context, client *Client, rawURL string) (string, string, error) {
	resp, err := client.Get(ctx, rawURL)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", ErrVideoNotFound
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	return string(data), resp.Header.Get("Content-Type"), nil
}
