package kinescope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/rs/zerolog"

	"41.neocities.org/dash"
)

// Options tunes a Downloader. The zero value detects the protocol,
// retries with the default policy and keeps intermediate files under a
// private temp directory.
type Options struct {
	// Referer is the page that embeds the player; sent on every request.
	Referer string
	// TempDir is the parent for the per-download scratch directory.
	// Empty means the system temp directory.
	TempDir string
	// AudioLang prefers an audio rendition language ("en", "ru-RU", ...).
	AudioLang string
	// ForceHLS and ForceDASH pin the protocol and disable both
	// detection and fallback.
	ForceHLS  bool
	ForceDASH bool
	// Retry overrides the transport retry policy.
	Retry *RetryPolicy
	// Logger receives progress and diagnostics. Nil disables logging.
	Logger *zerolog.Logger
}

// Downloader drives one video from manifest to verified local file.
// It is not safe for concurrent use.
type Downloader struct {
	video   *Video
	client  *Client
	tools   *Tools
	log     zerolog.Logger
	tempDir string

	playlistType PlaylistType
	pinned       bool
	audioLang    string

	// lazily loaded manifests; the body probed during detection is
	// kept so the pipeline never fetches the same master twice
	hlsBody  string
	mpdBody  string
	mpd      *dash.MPD
	mpdURL   *url.URL
	variants []Variant
	hlsReady bool
}

// NewDownloader resolves the video behind pageURL and probes which
// protocol serves it, unless Options pins one. The caller owns the
// returned Downloader and must Close it to release the scratch
// directory.
func NewDownloader(ctx context.Context, pageURL string, tools *Tools, opts Options) (*Downloader, error) {
	video, err := NewVideo(pageURL, opts.Referer)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	policy := DefaultRetryPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}

	tempDir, err := os.MkdirTemp(opts.TempDir, "kinescope-"+video.ID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	d := &Downloader{
		video:     video,
		client:    NewClient(video.CDNReferer(), policy, logger),
		tools:     tools,
		log:       logger,
		tempDir:   tempDir,
		audioLang: opts.AudioLang,
	}

	switch {
	case opts.ForceHLS && opts.ForceDASH:
		d.Close()
		return nil, errors.New("forcing both HLS and DASH is contradictory")
	case opts.ForceHLS:
		d.playlistType = HLS
		d.pinned = true
	case opts.ForceDASH:
		d.playlistType = DASH
		d.pinned = true
	default:
		_, body, playlistType, err := detectMaster(ctx, d.client, video)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.playlistType = playlistType
		switch playlistType {
		case HLS:
			d.hlsBody = body
		case DASH:
			d.mpdBody = body
		}
	}

	logger.Debug().
		Str("video_id", video.ID).
		Stringer("protocol", d.playlistType).
		Bool("pinned", d.pinned).
		Msg("downloader ready")
	return d, nil
}

// Close removes the scratch directory and everything in it.
func (d *Downloader) Close() error {
	return os.RemoveAll(d.tempDir)
}

// VideoID reports the identifier extracted from the page URL.
func (d *Downloader) VideoID() string { return d.video.ID }

// Protocol reports the detected or pinned playlist protocol.
func (d *Downloader) Protocol() PlaylistType { return d.playlistType }

func (d *Downloader) loadMPD(ctx context.Context) (*dash.MPD, error) {
	if d.mpd != nil {
		return d.mpd, nil
	}
	rawURL := d.video.MPDMasterURL()
	body := d.mpdBody
	if body == "" {
		var err error
		body, err = d.client.FetchText(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest: %w", err)
		}
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	manifest, err := parseMPD(body, parsedURL)
	if err != nil {
		return nil, err
	}
	d.mpd = manifest
	d.mpdURL = parsedURL
	return manifest, nil
}

// hlsVariants fetches the master playlist once and caches the rendition
// list. A media playlist served at the master URL yields an empty list,
// meaning the master itself is the single rendition.
func (d *Downloader) hlsVariants(ctx context.Context) ([]Variant, error) {
	if d.hlsReady {
		return d.variants, nil
	}
	rawURL := d.video.HLSMasterURL()
	body := d.hlsBody
	if body == "" {
		var err error
		body, err = d.client.FetchText(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("fetch master playlist: %w", err)
		}
	}
	playlist, listType, err := decodePlaylist(body)
	if err != nil {
		return nil, err
	}
	if master, ok := playlist.(*m3u8.MasterPlaylist); ok && listType == m3u8.MASTER {
		base, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		d.variants = listVariants(master, base, d.audioLang)
	}
	d.hlsReady = true
	return d.variants, nil
}

// Variants lists the selectable HLS renditions in ascending quality
// order. Only meaningful when the protocol is HLS.
func (d *Downloader) Variants(ctx context.Context) ([]Variant, error) {
	return d.hlsVariants(ctx)
}

// Resolutions lists the selectable resolutions in ascending order.
func (d *Downloader) Resolutions(ctx context.Context) ([]Resolution, error) {
	if d.playlistType == DASH {
		manifest, err := d.loadMPD(ctx)
		if err != nil {
			return nil, err
		}
		return listResolutions(manifest), nil
	}

	variants, err := d.hlsVariants(ctx)
	if err != nil {
		return nil, err
	}
	var resolutions []Resolution
	seen := make(map[Resolution]bool)
	for _, v := range variants {
		if v.Resolution == nil || seen[*v.Resolution] {
			continue
		}
		seen[*v.Resolution] = true
		resolutions = append(resolutions, *v.Resolution)
	}
	return resolutions, nil
}

// EstimateVariantSize approximates the download size of one HLS variant
// in bytes from its declared bandwidth and playlist duration.
func (d *Downloader) EstimateVariantSize(ctx context.Context, v Variant) (int64, error) {
	if v.VideoURI == "" {
		return 0, errors.New("variant has no playlist URI")
	}
	body, err := d.client.FetchText(ctx, v.VideoURI)
	if err != nil {
		return 0, err
	}
	duration, err := playlistDuration(body)
	if err != nil {
		return 0, err
	}
	return int64(duration * float64(v.Bandwidth) / 8), nil
}

// Download produces the verified recording at outPath. A nil resolution
// means best quality. The protocol falls back between HLS and DASH at
// most once in each direction; pinned protocols and fatal errors
// (missing tools, failed verification) never fall back.
func (d *Downloader) Download(ctx context.Context, outPath string, res *Resolution) error {
	if !strings.EqualFold(filepath.Ext(outPath), ".mp4") {
		outPath += ".mp4"
	}
	partPath := outPath + ".part"
	defer os.Remove(partPath)

	mode := d.playlistType
	usedToDASH := false
	usedToHLS := false
	for {
		var err error
		switch mode {
		case HLS:
			err = d.downloadHLS(ctx, partPath, res)
		case DASH:
			err = d.downloadDASH(ctx, partPath, res)
		}
		if err == nil {
			break
		}
		os.Remove(partPath)
		if d.pinned || !fallbackEligible(err) {
			return err
		}
		switch mode {
		case HLS:
			if usedToDASH {
				return err
			}
			usedToDASH = true
			mode = DASH
		case DASH:
			if usedToHLS {
				return err
			}
			usedToHLS = true
			mode = HLS
		}
		d.log.Warn().Err(err).
			Stringer("retry_via", mode).
			Msg("protocol failed, falling back")
	}

	if err := os.Rename(partPath, outPath); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}

	saved := "saved via " + strings.ToUpper(mode.String())
	if mode != d.playlistType {
		saved += " (fallback)"
	}
	d.log.Info().Str("file", outPath).Msg(saved)
	return nil
}

// downloadHLS hands the selected variant playlists to the muxer, which
// fetches the segments itself, then verifies the result. HLS output
// always carries audio, so verification demands an audio stream.
func (d *Downloader) downloadHLS(ctx context.Context, target string, res *Resolution) error {
	variants, err := d.hlsVariants(ctx)
	if err != nil {
		return err
	}
	videoURI, audioURI := selectVariant(variants, res, d.video.HLSMasterURL())
	duration := d.hlsDuration(ctx, videoURI, audioURI)

	d.log.Info().
		Str("video", videoURI).
		Str("audio", audioURI).
		Float64("duration_sec", duration).
		Msg("muxing HLS streams")
	if err := d.tools.muxHLS(ctx, videoURI, audioURI, d.video.CDNReferer(), target, duration); err != nil {
		return err
	}
	return d.tools.verifyOutput(ctx, target, true)
}

// hlsDuration sums each selected playlist and takes the longer total.
// Errors just degrade progress reporting, never the download.
func (d *Downloader) hlsDuration(ctx context.Context, uris ...string) float64 {
	var longest float64
	for _, uri := range uris {
		if uri == "" {
			continue
		}
		body, err := d.client.FetchText(ctx, uri)
		if err != nil {
			continue
		}
		duration, err := playlistDuration(body)
		if err != nil {
			continue
		}
		if duration > longest {
			longest = duration
		}
	}
	return longest
}

// downloadDASH fetches the segment lists itself, decrypts protected
// tracks with the clear key, merges, and verifies. Audio is demanded in
// verification only when the manifest actually carried audio segments.
func (d *Downloader) downloadDASH(ctx context.Context, target string, res *Resolution) error {
	manifest, err := d.loadMPD(ctx)
	if err != nil {
		return err
	}

	chosen, err := d.chooseResolution(manifest, res)
	if err != nil {
		return err
	}
	key, err := fetchLicenseKey(ctx, d.client, d.video, manifest)
	if err != nil {
		return err
	}
	lists, err := resolveSegmentLists(manifest, chosen)
	if err != nil {
		return err
	}
	videoSegments := dedupeSegments(lists["video/mp4"])
	audioSegments := dedupeSegments(lists["audio/mp4"])
	if len(videoSegments) == 0 {
		return errors.New("manifest has no video segments")
	}

	d.log.Info().
		Stringer("resolution", chosen).
		Int("video_segments", len(videoSegments)).
		Int("audio_segments", len(audioSegments)).
		Bool("protected", key != nil).
		Msg("downloading DASH tracks")

	videoPath, err := d.fetchTrack(ctx, "video", videoSegments, key)
	if err != nil {
		return err
	}
	var audioPath string
	if len(audioSegments) > 0 {
		audioPath, err = d.fetchTrack(ctx, "audio", audioSegments, key)
		if err != nil {
			return err
		}
	}

	if audioPath != "" {
		if err := d.tools.mergeTracks(ctx, videoPath, audioPath, target); err != nil {
			return err
		}
	} else if err := moveFile(videoPath, target); err != nil {
		return err
	}
	return d.tools.verifyOutput(ctx, target, audioPath != "")
}

// chooseResolution validates an explicit request against the manifest or
// picks the best available.
func (d *Downloader) chooseResolution(manifest *dash.MPD, res *Resolution) (Resolution, error) {
	available := listResolutions(manifest)
	if len(available) == 0 {
		return Resolution{}, ErrNoResolutions
	}
	if res == nil {
		return available[len(available)-1], nil
	}
	for _, r := range available {
		if r == *res {
			return r, nil
		}
	}
	return Resolution{}, &InvalidResolutionError{Width: res.Width, Height: res.Height}
}

// fetchTrack downloads one track's segments into the scratch directory
// and decrypts it when a key is present. It returns the path of the
// playable track file.
func (d *Downloader) fetchTrack(ctx context.Context, label string, segments []string, key *LicenseKey) (string, error) {
	trackPath := filepath.Join(d.tempDir, d.video.ID+"_"+label+".mp4")
	fetchPath := trackPath
	if key != nil {
		fetchPath = trackPath + ".enc"
	}
	if err := d.client.fetchSegments(ctx, segments, d.mpdURL, fetchPath, label, d.log); err != nil {
		return "", err
	}
	if key != nil {
		if err := d.tools.decrypt(ctx, fetchPath, trackPath, key); err != nil {
			return "", err
		}
	}
	return trackPath, nil
}

// moveFile renames, or copies when source and target sit on different
// filesystems.
func moveFile(source, target string) error {
	if err := os.Rename(source, target); err == nil {
		return nil
	}
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(source)
}
