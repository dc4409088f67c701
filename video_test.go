package kinescope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVideo(t *testing.T) {
	tests := []struct {
		name    string
		pageURL string
		wantID  string
		wantErr bool
	}{
		{name: "share url", pageURL: "https://kinescope.io/vKxPS2Ch", wantID: "vKxPS2Ch"},
		{name: "embed url", pageURL: "https://kinescope.io/embed/vKxPS2Ch", wantID: "vKxPS2Ch"},
		{name: "trailing slash", pageURL: "https://kinescope.io/vKxPS2Ch/", wantID: "vKxPS2Ch"},
		{name: "relative url", pageURL: "/vKxPS2Ch", wantErr: true},
		{name: "no path", pageURL: "https://kinescope.io", wantErr: true},
		{name: "garbage", pageURL: "://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			video, err := NewVideo(tt.pageURL, "")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, video.ID)
			assert.Equal(t, "https://kinescope.io", video.Base)
		})
	}
}

func TestVideoEndpoints(t *testing.T) {
	video, err := NewVideo("https://kinescope.io/abc123", "https://school.example/lesson/1")
	require.NoError(t, err)

	assert.Equal(t, "https://kinescope.io/abc123/master.m3u8", video.HLSMasterURL())
	assert.Equal(t, "https://kinescope.io/abc123/master.mpd", video.MPDMasterURL())
	assert.Equal(t, "https://license.kinescope.io/v1/vod/abc123/acquire/clearkey?token=", video.LicenseURL())
	assert.Equal(t, "https://kinescope.io/abc123?autoplay=1", video.CDNReferer())
	assert.Equal(t, "https://school.example/lesson/1", video.Referer)
}

func TestVideoEndpointsSelfHosted(t *testing.T) {
	video, err := NewVideo("https://cdn.school.example/abc123", "")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.school.example/abc123/master.m3u8", video.HLSMasterURL())
	assert.Equal(t, "https://cdn.school.example/v1/vod/abc123/acquire/clearkey?token=", video.LicenseURL())
}
