package kinescope

import (
	"fmt"
	"net/url"
	"strings"
)

// BaseURL is the canonical origin videos are served from.
const BaseURL = "https://kinescope.io"

// licenseURLFormat is the clear-key endpoint of the canonical origin.
// Self-hosted origins serve the same path on the origin itself.
const licenseURLFormat = "https://license.kinescope.io/v1/vod/%s/acquire/clearkey?token="

// Video identifies one remote video. It is immutable after construction.
type Video struct {
	ID      string
	Base    string // origin (scheme://host) the video is served from
	Referer string // page the video is embedded on, may be empty
}

// NewVideo extracts the video id and origin from a player page URL. The
// id is the last non-empty path segment, which matches both the share
// URL form (<origin>/<id>) and embed URLs.
func NewVideo(pageURL, refererURL string) (*Video, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse video url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("expected absolute video url, got %q", pageURL)
	}
	var id string
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			id = part
		}
	}
	if id == "" {
		return nil, fmt.Errorf("no video id in url %q", pageURL)
	}
	return &Video{
		ID:      id,
		Base:    u.Scheme + "://" + u.Host,
		Referer: refererURL,
	}, nil
}

// HLSMasterURL returns the templated HLS master playlist endpoint.
func (v *Video) HLSMasterURL() string {
	return fmt.Sprintf("%s/%s/master.m3u8", v.Base, v.ID)
}

// MPDMasterURL returns the templated DASH master manifest endpoint.
func (v *Video) MPDMasterURL() string {
	return fmt.Sprintf("%s/%s/master.mpd", v.Base, v.ID)
}

// LicenseURL returns the clear-key license acquisition endpoint.
func (v *Video) LicenseURL() string {
	if v.Base == BaseURL {
		return fmt.Sprintf(licenseURLFormat, v.ID)
	}
	return fmt.Sprintf("%s/v1/vod/%s/acquire/clearkey?token=", v.Base, v.ID)
}

// CDNReferer is the synthesized referer attached to every manifest,
// segment and license request.
func (v *Video) CDNReferer() string {
	return fmt.Sprintf("%s/%s?autoplay=1", v.Base, v.ID)
}
