// Package pipeline orchestrates analysis runs: decode frames, detect shot
// boundaries, persist artifacts, and record the run in the catalog. It also
// fronts search and cleanup over previously analyzed directories.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/keagan/shotscope/internal/config"
	"github.com/keagan/shotscope/internal/detect"
	"github.com/keagan/shotscope/internal/embed"
	"github.com/keagan/shotscope/internal/ffmpeg"
	"github.com/keagan/shotscope/internal/search"
	"github.com/keagan/shotscope/internal/store"
	"github.com/keagan/shotscope/pkg/util"
)

// Pipeline wires the analysis components for one video directory.
type Pipeline struct {
	logger   zerolog.Logger
	cfg      *config.Config
	exec     *ffmpeg.Executor
	store    *store.Store
	catalog  *store.Catalog
	provider embed.Provider
}

// New assembles a pipeline. catalog and provider may be nil: without a
// catalog runs are not recorded, and without a provider shots carry no
// embeddings and search is unavailable.
func New(logger zerolog.Logger, cfg *config.Config, exec *ffmpeg.Executor, st *store.Store, catalog *store.Catalog, provider embed.Provider) *Pipeline {
	return &Pipeline{
		logger:   logger.With().Str("component", "pipeline").Logger(),
		cfg:      cfg,
		exec:     exec,
		store:    st,
		catalog:  catalog,
		provider: provider,
	}
}

// VideoReport summarizes one analysis run.
type VideoReport struct {
	VideoID      string
	Path         string
	Duration     float64
	FrameCount   int
	ShotCount    int
	FeaturesFile string
	Embedded     bool
}

// BatchFailure records which video failed and why during a directory run.
type BatchFailure struct {
	Path string
	Err  error
}

// BatchReport summarizes a directory analysis run.
type BatchReport struct {
	Analyzed []VideoReport
	Failed   []BatchFailure
	// Cleaned reports the garbage-collection pass that ends the batch.
	Cleaned *GCReport
}

// featureSink adapts the store to the detector's persistence hook for one
// video.
type featureSink struct {
	store      *store.Store
	videoID    string
	analyzedAt time.Time
}

func (f featureSink) SaveShots(shots []detect.Shot) (string, error) {
	return f.store.SaveFeatures(f.videoID, f.analyzedAt, shots)
}

// AnalyzeVideo runs shot detection over one video file and persists the
// results. An unreadable or unprobeable file fails the whole call; per-shot
// thumbnail or embedding failures do not.
func (p *Pipeline) AnalyzeVideo(ctx context.Context, path string) (*VideoReport, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	videoID := filepath.Base(absPath)
	logger := p.logger.With().Str("video", videoID).Logger()

	info, err := p.exec.ProbeVideo(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", path, err)
	}
	totalDuration := info.Duration.Seconds()

	var embedder detect.Embedder
	embedding := p.cfg.Analysis.Embedding && p.provider != nil
	if embedding {
		embedder = p.provider
	}

	analyzedAt := time.Now().UTC()
	detector := detect.New(logger, detect.Options{
		Threshold:  p.cfg.Analysis.Threshold,
		ScaledSize: p.cfg.Analysis.ScaledSize,
	}, embedder, p.store.ForVideo(videoID), featureSink{
		store:      p.store,
		videoID:    videoID,
		analyzedAt: analyzedAt,
	})

	stream, err := p.exec.OpenFrameStream(ctx, absPath, p.cfg.Analysis.SampleFPS)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame stream for %s: %w", path, err)
	}
	defer stream.Close()

	logger.Info().
		Float64("duration", totalDuration).
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("source_fps", info.FPS).
		Float64("sample_fps", p.cfg.Analysis.SampleFPS).
		Bool("embedding", embedding).
		Msg("analyzing video")

	frames := 0
	for {
		frame, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("frame decode failed in %s: %w", path, err)
		}
		if _, err := detector.ProcessFrame(ctx, frame.Image, frame.Index, frame.Timestamp); err != nil {
			return nil, err
		}
		frames++
	}

	featuresFile, err := detector.Finalize(totalDuration)
	if err != nil {
		return nil, err
	}
	if featuresFile == "" {
		// Feature files are written even when no shot carries an
		// embedding; the detector only persists embedded runs itself.
		featuresFile, err = p.store.SaveFeatures(videoID, analyzedAt, detector.Shots())
		if err != nil {
			return nil, err
		}
	}

	report := &VideoReport{
		VideoID:      videoID,
		Path:         absPath,
		Duration:     totalDuration,
		FrameCount:   frames,
		ShotCount:    len(detector.Shots()),
		FeaturesFile: featuresFile,
		Embedded:     embedding,
	}

	if p.catalog != nil {
		rec := store.CatalogRecord{
			Dir:           filepath.Dir(absPath),
			VideoID:       videoID,
			AnalyzedAt:    analyzedAt,
			VideoDuration: totalDuration,
			Threshold:     p.cfg.Analysis.Threshold,
			ScaledSize:    p.cfg.Analysis.ScaledSize,
			Embedding:     embedding,
			ShotCount:     report.ShotCount,
			FeaturesFile:  featuresFile,
		}
		if err := p.catalog.Save(rec); err != nil {
			logger.Warn().Err(err).Msg("failed to record analysis in catalog")
		}
	}

	logger.Info().
		Int("frames", frames).
		Int("shots", report.ShotCount).
		Str("features", featuresFile).
		Msg("analysis complete")

	return report, nil
}

// AnalyzeDirectory analyzes every video file directly inside dir. One
// failing video does not stop the batch; failures are reported alongside
// the successes.
func (p *Pipeline) AnalyzeDirectory(ctx context.Context, dir string) (*BatchReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	report := &BatchReport{}
	for _, entry := range entries {
		if entry.IsDir() || !util.IsVideoFile(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		path := filepath.Join(dir, entry.Name())
		videoReport, err := p.AnalyzeVideo(ctx, path)
		if err != nil {
			p.logger.Error().Err(err).Str("video", entry.Name()).Msg("video analysis failed")
			report.Failed = append(report.Failed, BatchFailure{Path: path, Err: err})
			continue
		}
		report.Analyzed = append(report.Analyzed, *videoReport)
	}

	// Re-analysis changes boundary sets and videos may have been deleted
	// since the last scan, so each batch ends by sweeping stale artifacts.
	cleaned, err := p.CollectGarbage(ctx, dir)
	if err != nil {
		p.logger.Warn().Err(err).Msg("post-batch cleanup failed")
	} else {
		report.Cleaned = cleaned
	}

	p.logger.Info().
		Int("analyzed", len(report.Analyzed)).
		Int("failed", len(report.Failed)).
		Msg("directory analysis complete")

	return report, nil
}

// Search ranks every stored shot in the directory against the keywords.
func (p *Pipeline) Search(ctx context.Context, keywords []string, opts search.Options) ([]search.Result, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("search requires an embedding model")
	}

	files, err := p.store.ListFeatureFiles()
	if err != nil {
		return nil, err
	}
	shots := make(map[string][]detect.Shot, len(files))
	for _, file := range files {
		shots[file.VideoName] = file.Shots()
	}

	engine := search.New(p.logger, p.provider)
	return engine.SearchMulti(ctx, keywords, shots, opts)
}

// GCReport summarizes a cleanup pass.
type GCReport struct {
	// RemovedFeatures lists videos whose feature files were dropped because
	// the source video no longer exists.
	RemovedFeatures []string
	// RemovedThumbnails lists thumbnail files no feature file references.
	RemovedThumbnails []string
}

// CollectGarbage prunes artifacts of videos deleted since analysis: their
// catalog rows and feature files go first, then thumbnails nothing
// references anymore. Running it twice without intervening changes removes
// nothing the second time.
func (p *Pipeline) CollectGarbage(ctx context.Context, dir string) (*GCReport, error) {
	report := &GCReport{}

	if p.catalog != nil {
		records, err := p.catalog.List(dir)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if util.FileExists(filepath.Join(rec.Dir, rec.VideoID)) {
				continue
			}
			if err := p.store.DeleteFeatures(rec.VideoID); err != nil {
				p.logger.Warn().Err(err).Str("video", rec.VideoID).Msg("failed to delete feature file")
				continue
			}
			if err := p.catalog.Delete(rec.Dir, rec.VideoID); err != nil {
				p.logger.Warn().Err(err).Str("video", rec.VideoID).Msg("failed to delete catalog row")
			}
			report.RemovedFeatures = append(report.RemovedFeatures, rec.VideoID)
		}
	}

	removed, err := p.store.CollectGarbage()
	if err != nil {
		return nil, err
	}
	report.RemovedThumbnails = removed

	p.logger.Info().
		Int("features_removed", len(report.RemovedFeatures)).
		Int("thumbnails_removed", len(report.RemovedThumbnails)).
		Msg("garbage collection complete")

	return report, nil
}
