package kinescope

import (
	"errors"
	"fmt"
)

var (
	// ErrVideoNotFound means neither an HLS nor a DASH master could be
	// detected for the video id.
	ErrVideoNotFound = errors.New("master playlist not found (neither HLS nor DASH)")

	// ErrToolNotFound means the muxer or decryptor binary is missing.
	// It is always fatal and never triggers a protocol fallback.
	ErrToolNotFound = errors.New("external tool not found")

	// ErrNoResolutions means the DASH manifest exposes no selectable
	// video resolutions.
	ErrNoResolutions = errors.New("resolutions are not available for DASH manifest")
)

// InvalidResolutionError is returned when a requested DASH resolution has
// no exactly matching representation.
type InvalidResolutionError struct {
	Width, Height int
}

func (e *InvalidResolutionError) Error() string {
	return fmt.Sprintf("no representation matches resolution %dx%d", e.Width, e.Height)
}

// SegmentDownloadError is returned when retries for one segment are
// exhausted. It names the failing URI.
type SegmentDownloadError struct {
	URI string
	Err error
}

func (e *SegmentDownloadError) Error() string {
	return fmt.Sprintf("failed to download segment %s: %v", e.URI, e.Err)
}

func (e *SegmentDownloadError) Unwrap() error { return e.Err }

// LicenseError wraps any transport or parse failure of the clear-key
// license exchange.
type LicenseError struct {
	Err error
}

func (e *LicenseError) Error() string { return "license exchange failed: " + e.Err.Error() }

func (e *LicenseError) Unwrap() error { return e.Err }

// SubprocessError reports a nonzero exit of an external tool together
// with the tail of its diagnostic output.
type SubprocessError struct {
	Tool string
	Err  error
	Tail string
}

func (e *SubprocessError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v. Trace:\n%s", e.Tool, e.Err, e.Tail)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// ValidationError means the output verifier rejected the assembled file.
// It is fatal for the whole download; a second protocol cannot fix
// content-level invalidity.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "output validation failed: " + e.Reason }

// fallbackEligible reports whether an error from one protocol pipeline
// may be answered by switching to the other protocol. Missing tools and
// rejected outputs are environment and content problems the other
// protocol cannot fix. A failed license exchange is equally protocol
// independent: the content stays encrypted no matter how its segments
// are delivered.
func fallbackEligible(err error) bool {
	if errors.Is(err, ErrToolNotFound) {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var license *LicenseError
	return !errors.As(err, &license)
}
