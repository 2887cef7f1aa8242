// Package search ranks stored shots against free-text keywords by cosine
// similarity in the shared embedding space.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/keagan/shotscope/internal/detect"
)

// TextEmbedder is the slice of the embedding provider a search needs.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Combine modes for multi-keyword queries.
const (
	CombineMax  = "max"
	CombineMean = "mean"
)

// Options control ranking and filtering.
type Options struct {
	// Limit caps the number of results; zero or negative means no cap.
	Limit int
	// MinSimilarity drops results scoring below it, applied before Limit.
	MinSimilarity float64
	// VideoScope restricts the search to the named videos; empty means all.
	VideoScope []string
	// Combine is CombineMax or CombineMean for multi-keyword queries.
	Combine string
}

// Result is one ranked shot.
type Result struct {
	VideoID       string
	FrameIndex    int
	Timestamp     float64
	ThumbnailFile string
	Score         float64
}

// Engine performs keyword search over in-memory shot collections.
type Engine struct {
	logger   zerolog.Logger
	embedder TextEmbedder
}

// New creates a search engine around a text embedder.
func New(logger zerolog.Logger, embedder TextEmbedder) *Engine {
	return &Engine{
		logger:   logger.With().Str("component", "search").Logger(),
		embedder: embedder,
	}
}

// CosineSimilarity computes similarity rescaled to [0,1]. Both vectors are
// normalized here regardless of any upstream normalization, so stored and
// freshly-computed vectors compare on equal footing. Vectors of different
// widths cannot be compared and produce an error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimensions differ: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty embedding")
	}

	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("zero-magnitude embedding")
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2, nil
}

// Search ranks all shots with embeddings against a single keyword.
func (e *Engine) Search(ctx context.Context, keyword string, shots map[string][]detect.Shot, opts Options) ([]Result, error) {
	return e.SearchMulti(ctx, []string{keyword}, shots, opts)
}

// SearchMulti ranks shots against several keywords, combining per-keyword
// scores per shot. Shots without embeddings are skipped. Results are ordered
// by score descending, ties broken by video then frame for stable output.
func (e *Engine) SearchMulti(ctx context.Context, keywords []string, shots map[string][]detect.Shot, opts Options) ([]Result, error) {
	queries := make([][]float32, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		vec, err := e.embedder.EmbedText(ctx, kw)
		if err != nil {
			return nil, fmt.Errorf("failed to embed keyword %q: %w", kw, err)
		}
		queries = append(queries, vec)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no keywords to search for")
	}

	combine := opts.Combine
	if combine == "" {
		combine = CombineMax
	}
	if combine != CombineMax && combine != CombineMean {
		return nil, fmt.Errorf("unknown combine mode %q", combine)
	}

	var scope map[string]bool
	if len(opts.VideoScope) > 0 {
		scope = make(map[string]bool, len(opts.VideoScope))
		for _, id := range opts.VideoScope {
			scope[id] = true
		}
	}

	videoIDs := make([]string, 0, len(shots))
	for id := range shots {
		videoIDs = append(videoIDs, id)
	}
	sort.Strings(videoIDs)

	var results []Result
	index := make(map[string]int)
	skipped := 0

	for _, videoID := range videoIDs {
		if scope != nil && !scope[videoID] {
			continue
		}
		for _, shot := range shots[videoID] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if len(shot.Embedding) == 0 {
				skipped++
				continue
			}

			score, err := combineScores(queries, shot.Embedding, combine)
			if err != nil {
				return nil, fmt.Errorf("video %s frame %d: %w", videoID, shot.FrameIndex, err)
			}

			// Duplicate (video, frame) records collapse to one result
			// carrying the best score among them.
			key := fmt.Sprintf("%s#%d", videoID, shot.FrameIndex)
			if at, ok := index[key]; ok {
				if score > results[at].Score {
					results[at].Score = score
				}
				continue
			}
			index[key] = len(results)
			results = append(results, Result{
				VideoID:       videoID,
				FrameIndex:    shot.FrameIndex,
				Timestamp:     shot.Timestamp,
				ThumbnailFile: shot.ThumbnailFile,
				Score:         score,
			})
		}
	}

	// Threshold after deduplication so a weak duplicate cannot push out a
	// passing one.
	kept := results[:0]
	for _, r := range results {
		if r.Score >= opts.MinSimilarity {
			kept = append(kept, r)
		}
	}
	results = kept

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].VideoID != results[j].VideoID {
			return results[i].VideoID < results[j].VideoID
		}
		return results[i].FrameIndex < results[j].FrameIndex
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	e.logger.Debug().
		Strs("keywords", keywords).
		Int("results", len(results)).
		Int("skipped_no_embedding", skipped).
		Msg("search complete")

	return results, nil
}

func combineScores(queries [][]float32, embedding []float32, combine string) (float64, error) {
	var best, sum float64
	for i, q := range queries {
		score, err := CosineSimilarity(q, embedding)
		if err != nil {
			return 0, err
		}
		if i == 0 || score > best {
			best = score
		}
		sum += score
	}
	if combine == CombineMean {
		return sum / float64(len(queries)), nil
	}
	return best, nil
}
