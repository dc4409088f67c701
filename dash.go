package kinescope

import (
	"fmt"
	"net/url"
	"sort"

	"41.neocities.org/dash"
)

// parseMPD parses a DASH manifest and anchors it to its own URL so
// relative segment references resolve correctly.
func parseMPD(body string, manifestURL *url.URL) (*dash.MPD, error) {
	manifest, err := dash.Parse([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("parse DASH manifest: %w", err)
	}
	manifest.MPDURL = manifestURL
	return manifest, nil
}

// eachRepresentation visits every representation in the manifest. The
// parser keys its groups by representation id, one rendition per group,
// and map order is not deterministic, so callers must not rely on visit
// order.
func eachRepresentation(manifest *dash.MPD, visit func(rep *dash.Representation)) {
	for _, group := range manifest.GetRepresentations() {
		for _, rep := range group {
			visit(rep)
		}
	}
}

// listResolutions reads the selectable video resolutions from the
// manifest: every representation that declares a height, deduplicated
// and sorted ascending. Nil when no representation declares one.
func listResolutions(manifest *dash.MPD) []Resolution {
	seen := make(map[Resolution]bool)
	var resolutions []Resolution
	eachRepresentation(manifest, func(rep *dash.Representation) {
		if rep.GetHeight() == 0 {
			return
		}
		res := Resolution{Width: rep.GetWidth(), Height: rep.GetHeight()}
		if seen[res] {
			return
		}
		seen[res] = true
		resolutions = append(resolutions, res)
	})
	sort.Slice(resolutions, func(i, j int) bool {
		if resolutions[i].Height != resolutions[j].Height {
			return resolutions[i].Height < resolutions[j].Height
		}
		return resolutions[i].Width < resolutions[j].Width
	})
	return resolutions
}

// preferTrack reports whether candidate should replace current as the
// pick for one resolution-less track: highest bandwidth wins, ties
// broken by id so map iteration order cannot leak into the result.
func preferTrack(current, candidate *dash.Representation) bool {
	if current == nil {
		return true
	}
	if candidate.Bandwidth != current.Bandwidth {
		return candidate.Bandwidth > current.Bandwidth
	}
	return candidate.ID < current.ID
}

// resolveSegmentLists collects the segment URI list per mime type for
// the requested resolution. A representation that declares a resolution
// must match (width, height) exactly; representations without one
// (audio) contribute the best-bandwidth rendition of their mime type.
// Declared resolutions with no exact match fail with
// InvalidResolutionError.
func resolveSegmentLists(manifest *dash.MPD, res Resolution) (map[string][]string, error) {
	var video *dash.Representation
	hasVideo := false
	tracks := make(map[string]*dash.Representation)
	eachRepresentation(manifest, func(rep *dash.Representation) {
		if rep.GetHeight() != 0 {
			hasVideo = true
			if rep.GetWidth() == res.Width && rep.GetHeight() == res.Height && preferTrack(video, rep) {
				video = rep
			}
			return
		}
		if preferTrack(tracks[rep.GetMimeType()], rep) {
			tracks[rep.GetMimeType()] = rep
		}
	})
	if hasVideo && video == nil {
		return nil, &InvalidResolutionError{Width: res.Width, Height: res.Height}
	}
	if video != nil {
		tracks[video.GetMimeType()] = video
	}

	lists := make(map[string][]string)
	for mime, rep := range tracks {
		uris, err := segmentURIs(rep)
		if err != nil {
			return nil, err
		}
		if len(uris) > 0 {
			lists[mime] = uris
		}
	}
	return lists, nil
}

// segmentURIs flattens a representation's SegmentList into resolved URI
// strings. Representations delivered some other way (single BaseURL
// file) contribute nothing; the endpoints under the fixed origin always
// use segment lists.
func segmentURIs(rep *dash.Representation) ([]string, error) {
	if rep.SegmentList == nil {
		return nil, nil
	}
	uris := make([]string, 0, len(rep.SegmentList.SegmentURLs))
	for _, seg := range rep.SegmentList.SegmentURLs {
		media, err := seg.ResolveMedia()
		if err != nil {
			return nil, fmt.Errorf("resolve segment media url: %w", err)
		}
		if media == nil {
			continue
		}
		uris = append(uris, media.String())
	}
	return uris, nil
}
