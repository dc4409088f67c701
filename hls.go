package kinescope

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

// Resolution is a (width, height) pair of a selectable rendition.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Variant is one selectable HLS rendition: its resolution (when the
// master declares one), bandwidth, and resolved video/audio playlist
// URIs.
type Variant struct {
	Resolution *Resolution
	Bandwidth  uint32
	VideoURI   string
	AudioURI   string // empty when the variant is muxed or video-only
}

func (v Variant) heightOrZero() int {
	if v.Resolution == nil {
		return 0
	}
	return v.Resolution.Height
}

// decodePlaylist parses HLS playlist text with the black-box parser.
func decodePlaylist(body string) (m3u8.Playlist, m3u8.ListType, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(body), true)
	if err != nil {
		return nil, 0, fmt.Errorf("parse playlist: %w", err)
	}
	return playlist, listType, nil
}

// parseResolution parses the master playlist's "WxH" attribute form.
func parseResolution(s string) *Resolution {
	w, h, found := strings.Cut(s, "x")
	if !found {
		return nil
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return nil
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return nil
	}
	return &Resolution{Width: width, Height: height}
}

func resolveAgainst(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// audioRank orders audio rendition candidates: preferred-language match
// first (exact, then prefix), then EXT-X-MEDIA DEFAULT=YES, then
// AUTOSELECT=YES.
func audioRank(alt *m3u8.Alternative, preferredLang string) [3]int {
	var rank [3]int
	rank[0] = 2
	if preferredLang != "" && alt.Language != "" {
		lang := strings.ToLower(alt.Language)
		want := strings.ToLower(preferredLang)
		switch {
		case lang == want:
			rank[0] = 0
		case strings.HasPrefix(lang, want):
			rank[0] = 1
		}
	}
	if !alt.Default {
		rank[1] = 1
	}
	if !strings.EqualFold(alt.Autoselect, "YES") {
		rank[2] = 1
	}
	return rank
}

func rankLess(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// collectAudioGroups gathers the master's AUDIO renditions keyed by
// group id. The parser attaches alternatives per variant, so the whole
// master is walked.
func collectAudioGroups(master *m3u8.MasterPlaylist) map[string][]*m3u8.Alternative {
	groups := make(map[string][]*m3u8.Alternative)
	seen := make(map[string]bool)
	for _, variant := range master.Variants {
		if variant == nil {
			continue
		}
		for _, alt := range variant.Alternatives {
			if alt == nil || alt.Type != "AUDIO" || alt.GroupId == "" {
				continue
			}
			key := alt.GroupId + "\x00" + alt.URI + "\x00" + alt.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			groups[alt.GroupId] = append(groups[alt.GroupId], alt)
		}
	}
	return groups
}

// pickAudioURI resolves the audio playlist URI for a variant's audio
// group id: candidates within the declared group are ranked, and when no
// group is declared but exactly one exists in the manifest, that group is
// used. Renditions without a URI (audio muxed into the variant) never
// qualify.
func pickAudioURI(groups map[string][]*m3u8.Alternative, groupID, preferredLang string, base *url.URL) string {
	candidates := groups[groupID]
	if groupID == "" || len(candidates) == 0 {
		if len(groups) != 1 {
			return ""
		}
		for _, only := range groups {
			candidates = only
		}
	}

	var best *m3u8.Alternative
	var bestRank [3]int
	for _, alt := range candidates {
		if alt.URI == "" {
			continue
		}
		rank := audioRank(alt, preferredLang)
		if best == nil || rankLess(rank, bestRank) {
			best = alt
			bestRank = rank
		}
	}
	if best == nil {
		return ""
	}
	return resolveAgainst(base, best.URI)
}

// listVariants enumerates the master's renditions, resolves their video
// and audio URIs against the playlist URL, and returns them sorted
// ascending by (height-or-0, bandwidth).
func listVariants(master *m3u8.MasterPlaylist, playlistURL *url.URL, preferredLang string) []Variant {
	audioGroups := collectAudioGroups(master)

	var variants []Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		variants = append(variants, Variant{
			Resolution: parseResolution(v.Resolution),
			Bandwidth:  v.Bandwidth,
			VideoURI:   resolveAgainst(playlistURL, v.URI),
			AudioURI:   pickAudioURI(audioGroups, v.Audio, preferredLang, playlistURL),
		})
	}

	sort.SliceStable(variants, func(i, j int) bool {
		hi, hj := variants[i].heightOrZero(), variants[j].heightOrZero()
		if hi != hj {
			return hi < hj
		}
		return variants[i].Bandwidth < variants[j].Bandwidth
	})
	return variants
}

// selectVariant picks the variant for a desired resolution from an
// ascending list: the tallest height not exceeding the target, or the
// overall best when none qualifies or no target is given. An empty list
// means the master itself is the single rendition.
func selectVariant(variants []Variant, desired *Resolution, masterURL string) (videoURI, audioURI string) {
	if len(variants) == 0 {
		return masterURL, ""
	}
	chosen := variants[len(variants)-1]
	if desired != nil {
		for _, v := range variants {
			if v.Resolution != nil && v.Resolution.Height <= desired.Height {
				chosen = v
			}
		}
	}
	return chosen.VideoURI, chosen.AudioURI
}

// playlistDuration sums the segment durations of a media playlist body.
func playlistDuration(body string) (float64, error) {
	playlist, listType, err := decodePlaylist(body)
	if err != nil {
		return 0, err
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return 0, fmt.Errorf("expected media playlist")
	}
	var total float64
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		total += seg.Duration
	}
	return total, nil
}
