package kinescope

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"41.neocities.org/dash"
)

// LicenseKey is a 16-byte content key obtained from the clear-key
// license endpoint. It lives only for the duration of one download
// attempt and is never persisted.
type LicenseKey [16]byte

// Hex renders the key the way the decryptor consumes it.
func (k LicenseKey) Hex() string {
	return hex.EncodeToString(k[:])
}

type clearKeyRequest struct {
	KIDs []string `json:"kids"`
	Type string   `json:"type"`
}

type clearKeyResponse struct {
	Keys []struct {
		K string `json:"k"`
	} `json:"keys"`
}

// defaultKID extracts the default key id from the manifest's first
// protection descriptor, or nil when the manifest declares no content
// protection.
func defaultKID(manifest *dash.MPD) ([]byte, error) {
	for _, group := range manifest.GetRepresentations() {
		if len(group) == 0 {
			continue
		}
		for _, protection := range group[0].GetContentProtection() {
			kid, err := protection.GetDefaultKID()
			if err != nil {
				return nil, fmt.Errorf("parse default_KID: %w", err)
			}
			if kid != nil {
				return kid, nil
			}
		}
	}
	return nil, nil
}

// fetchLicenseKey exchanges the manifest's key id for the content key.
// A manifest without content protection yields a nil key and no error;
// any transport or parse failure is a LicenseError, fatal for the
// current attempt.
func fetchLicenseKey(ctx context.Context, client *Client, video *Video, manifest *dash.MPD) (*LicenseKey, error) {
	kid, err := defaultKID(manifest)
	if err != nil {
		return nil, &LicenseError{Err: err}
	}
	if kid == nil {
		return nil, nil
	}

	payload, err := json.Marshal(clearKeyRequest{
		KIDs: []string{base64.RawStdEncoding.EncodeToString(kid)},
		Type: "temporary",
	})
	if err != nil {
		return nil, &LicenseError{Err: err}
	}

	head := http.Header{}
	head.Set("Origin", video.Base)
	body, err := client.PostJSON(ctx, video.LicenseURL(), payload, head)
	if err != nil {
		return nil, &LicenseError{Err: err}
	}

	var decoded clearKeyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &LicenseError{Err: fmt.Errorf("decode license response: %w", err)}
	}
	if len(decoded.Keys) == 0 {
		return nil, &LicenseError{Err: fmt.Errorf("license response carries no keys")}
	}

	raw, err := base64.StdEncoding.DecodeString(pad4(decoded.Keys[0].K))
	if err != nil {
		return nil, &LicenseError{Err: fmt.Errorf("decode key material: %w", err)}
	}
	if len(raw) != len(LicenseKey{}) {
		return nil, &LicenseError{Err: fmt.Errorf("unexpected key length %d", len(raw))}
	}

	var key LicenseKey
	copy(key[:], raw)
	return &key, nil
}

// pad4 restores the base64 padding the license server strips.
func pad4(s string) string {
	for len(s)%4 != 0 {
		s += "="
	}
	return s
}
