package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	kinescope "github.com/Sti11ness/kinescope-dl"
	"github.com/Sti11ness/kinescope-dl/internal/log"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `kinescope-dl downloads a video from its player page.

Usage:
  kinescope-dl [flags] URL [OUTPUT]

OUTPUT defaults to <video-id>.mp4 in the output directory.

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Msg("download failed")
		os.Exit(1)
	}
}

func run() error {
	var (
		referer     = flag.String("referer", "", "page URL that embeds the player")
		bestQuality = flag.Bool("best-quality", false, "pick the best resolution without asking")
		tempDir     = flag.String("temp", "", "parent directory for intermediate files")
		outDir      = flag.String("outdir", ".", "directory for the final file")
		hlsOnly     = flag.Bool("hls-only", false, "use HLS only, never fall back to DASH")
		dashOnly    = flag.Bool("dash-only", false, "use DASH only, never fall back to HLS")
		audioLang   = flag.String("audio-lang", "", "preferred audio language (e.g. \"en\")")
		force       = flag.Bool("force", false, "overwrite the output file if it exists")
		ffmpegPath  = flag.String("ffmpeg", "ffmpeg", "path to the ffmpeg binary")
		mp4decrypt  = flag.String("mp4decrypt", "mp4decrypt", "path to the mp4decrypt binary")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Usage = usage
	flag.Parse()

	log.Configure(log.Config{Level: *logLevel, Console: true})

	if flag.NArg() < 1 || flag.NArg() > 2 {
		usage()
		os.Exit(2)
	}
	if *hlsOnly && *dashOnly {
		return fmt.Errorf("--hls-only and --dash-only are mutually exclusive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tools := kinescope.NewTools(*ffmpegPath, *mp4decrypt, log.WithComponent("tools"))
	dlLogger := log.WithComponent("download")

	downloader, err := kinescope.NewDownloader(ctx, flag.Arg(0), tools, kinescope.Options{
		Referer:   *referer,
		TempDir:   *tempDir,
		AudioLang: *audioLang,
		ForceHLS:  *hlsOnly,
		ForceDASH: *dashOnly,
		Logger:    &dlLogger,
	})
	if err != nil {
		return err
	}
	defer downloader.Close()

	outPath := filepath.Join(*outDir, downloader.VideoID()+".mp4")
	if flag.NArg() == 2 {
		outPath = flag.Arg(1)
		if !filepath.IsAbs(outPath) {
			outPath = filepath.Join(*outDir, outPath)
		}
	}
	if !strings.EqualFold(filepath.Ext(outPath), ".mp4") {
		outPath += ".mp4"
	}
	if !*force {
		if _, err := os.Stat(outPath); err == nil {
			return fmt.Errorf("%s already exists, pass --force to overwrite", outPath)
		}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	var resolution *kinescope.Resolution
	if !*bestQuality {
		resolution, err = chooseResolution(ctx, downloader)
		if err != nil {
			return err
		}
	}

	return downloader.Download(ctx, outPath, resolution)
}

// chooseResolution prints the available resolutions, with size estimates
// where the manifest allows them, and reads the user's pick. Nil means
// best quality.
func chooseResolution(ctx context.Context, d *kinescope.Downloader) (*kinescope.Resolution, error) {
	resolutions, err := d.Resolutions(ctx)
	if err != nil {
		return nil, err
	}
	if len(resolutions) == 0 {
		return nil, nil
	}

	estimates := sizeEstimates(ctx, d, resolutions)
	fmt.Println("Available resolutions:")
	for i, r := range resolutions {
		line := fmt.Sprintf("  [%d] %s", i+1, r)
		if size := estimates[r]; size > 0 {
			line += "  (~" + humanBytes(size) + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("Pick one [1-%d, empty = best]: ", len(resolutions))

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, nil
	}
	pick, err := strconv.Atoi(answer)
	if err != nil || pick < 1 || pick > len(resolutions) {
		return nil, fmt.Errorf("invalid choice %q", answer)
	}
	return &resolutions[pick-1], nil
}

// sizeEstimates maps resolutions to approximate sizes. Only HLS masters
// declare bandwidth, and failed estimates are simply omitted.
func sizeEstimates(ctx context.Context, d *kinescope.Downloader, resolutions []kinescope.Resolution) map[kinescope.Resolution]int64 {
	estimates := make(map[kinescope.Resolution]int64)
	if d.Protocol() != kinescope.HLS {
		return estimates
	}
	variants, err := d.Variants(ctx)
	if err != nil {
		return estimates
	}
	for _, v := range variants {
		if v.Resolution == nil {
			continue
		}
		if size, err := d.EstimateVariantSize(ctx, v); err == nil {
			estimates[*v.Resolution] = size
		}
	}
	return estimates
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
