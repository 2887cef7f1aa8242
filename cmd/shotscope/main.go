package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keagan/shotscope/internal/config"
	"github.com/keagan/shotscope/internal/embed"
	"github.com/keagan/shotscope/internal/ffmpeg"
	"github.com/keagan/shotscope/internal/logging"
	"github.com/keagan/shotscope/internal/pipeline"
	"github.com/keagan/shotscope/internal/search"
	"github.com/keagan/shotscope/internal/store"
	"github.com/keagan/shotscope/pkg/util"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shotscope",
	Short: "shotscope - shot detection and keyword search for local video",
	Long:  "Detects shot boundaries in local videos, stores per-shot thumbnails and feature vectors, and searches shots by keyword.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logging
		logging.Init(verbose)

		// Load config
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Store config in context
		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(configCmd)
}

// newProvider wraps the CLIP encoders in a lazy loader so commands that
// never embed anything never pay the model load.
func newProvider(cfg *config.Config) embed.Provider {
	return embed.NewLazyProvider(func() (embed.Provider, error) {
		return embed.NewCLIPProvider(logging.WithComponent("embed"), embed.CLIPConfig{
			ImageEncoderPath: cfg.Model.ImageEncoderPath,
			TextEncoderPath:  cfg.Model.TextEncoderPath,
			VocabPath:        cfg.Model.VocabPath,
			MergesPath:       cfg.Model.MergesPath,
			Dimension:        cfg.Model.Dimension,
			ContextLength:    cfg.Model.ContextLength,
		})
	})
}

// newPipeline assembles the analysis pipeline for one video directory.
func newPipeline(cfg *config.Config, dir string, needFFmpeg bool) (*pipeline.Pipeline, func(), error) {
	var exec *ffmpeg.Executor
	if needFFmpeg {
		var err error
		exec, err = ffmpeg.New(log.Logger, cfg.FFmpeg.BinaryPath, cfg.FFmpeg.Threads)
		if err != nil {
			return nil, nil, err
		}
	}

	st := store.New(log.Logger, dir)

	catalog, err := store.OpenCatalog(log.Logger, cfg.CatalogPath)
	if err != nil {
		log.Warn().Err(err).Msg("catalog unavailable; runs will not be recorded")
		catalog = nil
	}

	provider := newProvider(cfg)

	cleanup := func() {
		if err := provider.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close embedding model")
		}
		if catalog != nil {
			if err := catalog.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close catalog")
			}
		}
	}

	return pipeline.New(log.Logger, cfg, exec, st, catalog, provider), cleanup, nil
}

var (
	analyzeThreshold float64
	analyzeFPS       float64
	analyzeNoEmbed   bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [video file or directory]",
	Short: "Detect shots and extract per-shot features",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		if cmd.Flags().Changed("threshold") {
			cfg.Analysis.Threshold = analyzeThreshold
		}
		if cmd.Flags().Changed("fps") {
			cfg.Analysis.SampleFPS = analyzeFPS
		}
		if analyzeNoEmbed {
			cfg.Analysis.Embedding = false
		}

		target, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		info, err := os.Stat(target)
		if err != nil {
			return err
		}

		dir := target
		if !info.IsDir() {
			dir = filepath.Dir(target)
		}

		pipe, cleanup, err := newPipeline(cfg, dir, true)
		if err != nil {
			return err
		}
		defer cleanup()

		if info.IsDir() {
			report, err := pipe.AnalyzeDirectory(cmd.Context(), target)
			if err != nil {
				return err
			}
			for _, failure := range report.Failed {
				fmt.Fprintf(os.Stderr, "failed: %s: %v\n", failure.Path, failure.Err)
			}
			fmt.Printf("analyzed %d video(s), %d failed\n", len(report.Analyzed), len(report.Failed))
			if c := report.Cleaned; c != nil && (len(c.RemovedFeatures) > 0 || len(c.RemovedThumbnails) > 0) {
				fmt.Printf("cleaned up %d stale feature file(s), %d thumbnail(s)\n",
					len(c.RemovedFeatures), len(c.RemovedThumbnails))
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d video(s) failed", len(report.Failed))
			}
			return nil
		}

		report, err := pipe.AnalyzeVideo(cmd.Context(), target)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d shot(s) in %s, features in %s\n",
			report.VideoID, report.ShotCount, util.FormatTimestamp(report.Duration), report.FeaturesFile)
		return nil
	},
}

var (
	searchDir     string
	searchLimit   int
	searchMin     float64
	searchCombine string
	searchVideos  []string
)

var searchCmd = &cobra.Command{
	Use:   "search [keyword]...",
	Short: "Find shots matching keywords",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())

		dir, err := filepath.Abs(searchDir)
		if err != nil {
			return err
		}

		pipe, cleanup, err := newPipeline(cfg, dir, false)
		if err != nil {
			return err
		}
		defer cleanup()

		opts := search.Options{
			Limit:         cfg.Search.Limit,
			MinSimilarity: cfg.Search.MinSimilarity,
			Combine:       cfg.Search.Combine,
			VideoScope:    searchVideos,
		}
		if cmd.Flags().Changed("limit") {
			opts.Limit = searchLimit
		}
		if cmd.Flags().Changed("min-score") {
			opts.MinSimilarity = searchMin
		}
		if cmd.Flags().Changed("combine") {
			opts.Combine = searchCombine
		}

		results, err := pipe.Search(cmd.Context(), args, opts)
		if err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("no matching shots")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%.3f  %s  %s  frame %d  %s\n",
				r.Score, r.VideoID, util.FormatTimestamp(r.Timestamp), r.FrameIndex, r.ThumbnailFile)
		}
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc [directory]",
	Short: "Remove artifacts of deleted videos and orphaned thumbnails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())

		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		pipe, cleanup, err := newPipeline(cfg, dir, false)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := pipe.CollectGarbage(cmd.Context(), dir)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d feature file(s), %d thumbnail(s)\n",
			len(report.RemovedFeatures), len(report.RemovedThumbnails))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		return cfg.Print(os.Stdout)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "./config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if util.FileExists(path) {
			return fmt.Errorf("%s already exists", path)
		}
		cfg := config.FromContext(cmd.Context())
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Float64Var(&analyzeThreshold, "threshold", 0.3, "histogram distance above which a new shot starts")
	analyzeCmd.Flags().Float64Var(&analyzeFPS, "fps", 1.0, "frames per second sampled from the video")
	analyzeCmd.Flags().BoolVar(&analyzeNoEmbed, "no-embed", false, "skip per-shot embedding extraction")

	searchCmd.Flags().StringVar(&searchDir, "dir", ".", "video directory to search")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum number of results")
	searchCmd.Flags().Float64Var(&searchMin, "min-score", 0.15, "minimum similarity score")
	searchCmd.Flags().StringVar(&searchCombine, "combine", "max", "multi-keyword combine mode: max or mean")
	searchCmd.Flags().StringSliceVar(&searchVideos, "video", nil, "restrict search to the named video(s)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
