package kinescope

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchLicenseKey(t *testing.T) {
	keyBytes, err := hex.DecodeString("ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)

	var gotRequest clearKeyRequest
	var gotOrigin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.URL.Path, "/v1/vod/abc123/acquire/clearkey")
		gotOrigin = r.Header.Get("Origin")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

		// The endpoint answers with unpadded base64 key material.
		fmt.Fprintf(w, `{"keys":[{"k":%q}]}`, base64.RawStdEncoding.EncodeToString(keyBytes))
	}))
	defer server.Close()

	video, err := NewVideo(server.URL+"/abc123", "")
	require.NoError(t, err)
	client := NewClient(video.CDNReferer(), testRetryPolicy(), zerolog.Nop())
	manifest := parseTestMPD(t, server.URL, true)

	key, err := fetchLicenseKey(context.Background(), client, video, manifest)
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "ffeeddccbbaa99887766554433221100", key.Hex())

	require.Len(t, gotRequest.KIDs, 1)
	kid, err := base64.RawStdEncoding.DecodeString(gotRequest.KIDs[0])
	require.NoError(t, err)
	assert.Equal(t, testKIDHex, fmt.Sprintf("%x", kid))
	assert.Equal(t, "temporary", gotRequest.Type)
	assert.Equal(t, video.Base, gotOrigin)
}

func TestFetchLicenseKeyUnprotectedManifest(t *testing.T) {
	video, err := NewVideo("https://kinescope.io/abc123", "")
	require.NoError(t, err)
	client := NewClient(video.CDNReferer(), testRetryPolicy(), zerolog.Nop())
	manifest := parseTestMPD(t, "https://kinescope.io", false)

	key, err := fetchLicenseKey(context.Background(), client, video, manifest)
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestFetchLicenseKeyServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	video, err := NewVideo(server.URL+"/abc123", "")
	require.NoError(t, err)
	client := NewClient(video.CDNReferer(), testRetryPolicy(), zerolog.Nop())
	manifest := parseTestMPD(t, server.URL, true)

	_, err = fetchLicenseKey(context.Background(), client, video, manifest)
	var licErr *LicenseError
	require.ErrorAs(t, err, &licErr)
	assert.EqualValues(t, 5, attempts.Load(), "a 500 is transient and must exhaust the retry policy")
}

func TestFetchLicenseKeyRejectsBadKeyMaterial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"keys":[{"k":"c2hvcnQ"}]}`) // "short", not 16 bytes
	}))
	defer server.Close()

	video, err := NewVideo(server.URL+"/abc123", "")
	require.NoError(t, err)
	client := NewClient(video.CDNReferer(), testRetryPolicy(), zerolog.Nop())
	manifest := parseTestMPD(t, server.URL, true)

	_, err = fetchLicenseKey(context.Background(), client, video, manifest)
	var licErr *LicenseError
	require.ErrorAs(t, err, &licErr)
}

func TestFetchLicenseKeyEmptyKeySet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"keys":[]}`)
	}))
	defer server.Close()

	video, err := NewVideo(server.URL+"/abc123", "")
	require.NoError(t, err)
	client := NewClient(video.CDNReferer(), testRetryPolicy(), zerolog.Nop())
	manifest := parseTestMPD(t, server.URL, true)

	_, err = fetchLicenseKey(context.Background(), client, video, manifest)
	var licErr *LicenseError
	require.ErrorAs(t, err, &licErr)
}
