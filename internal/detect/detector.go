// Package detect implements incremental shot-boundary detection over a
// stream of decoded frames.
package detect

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog"

	"github.com/keagan/shotscope/internal/histogram"
)

type state int

const (
	awaitingFirstFrame state = iota
	streaming
	finalized
)

// Options configures detection behavior.
type Options struct {
	// Threshold is the histogram distance a frame must exceed (strictly) to
	// open a new shot. Lower values are more sensitive.
	Threshold float64
	// ScaledSize is the long edge frames are downsampled to before
	// histogram comparison. Speed/accuracy trade-off.
	ScaledSize int
}

// DefaultOptions returns the tuning used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Threshold:  0.3,
		ScaledSize: 64,
	}
}

// Embedder extracts a feature vector from a boundary frame. Failures are
// recoverable per shot.
type Embedder interface {
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)
}

// ThumbnailSaver persists a preview of a boundary frame and returns its
// filename. Failures are recoverable per shot.
type ThumbnailSaver interface {
	SaveThumbnail(img image.Image, frameIndex int, timestamp float64) (string, error)
}

// ShotSink persists the finished shot list and returns a storage key.
type ShotSink interface {
	SaveShots(shots []Shot) (string, error)
}

// Detector consumes one frame at a time and accumulates shot boundaries.
// Calls must be sequential: no two ProcessFrame calls for the same instance
// may be in flight at once, since comparison needs a definite previous frame.
type Detector struct {
	logger   zerolog.Logger
	opts     Options
	embedder Embedder
	thumbs   ThumbnailSaver
	sink     ShotSink

	state state
	prev  *histogram.Histogram
	shots []Shot
}

// New creates a detector. embedder, thumbs and sink may each be nil to
// disable that side effect.
func New(logger zerolog.Logger, opts Options, embedder Embedder, thumbs ThumbnailSaver, sink ShotSink) *Detector {
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = DefaultOptions().Threshold
	}
	if opts.ScaledSize <= 0 {
		opts.ScaledSize = DefaultOptions().ScaledSize
	}
	return &Detector{
		logger:   logger.With().Str("component", "shot-detector").Logger(),
		opts:     opts,
		embedder: embedder,
		thumbs:   thumbs,
		sink:     sink,
		state:    awaitingFirstFrame,
	}
}

// ProcessFrame feeds the next frame into the detector and reports whether it
// opened a new shot. The frame is fully consumed before return; the detector
// retains only its downsized histogram.
func (d *Detector) ProcessFrame(ctx context.Context, img image.Image, frameIndex int, timestamp float64) (bool, error) {
	if d.state == finalized {
		return false, fmt.Errorf("detector is finalized; call Reset before reprocessing")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	hist := histogram.FromImage(img, d.opts.ScaledSize)

	switch d.state {
	case awaitingFirstFrame:
		// The first frame always starts a shot; there is nothing to compare
		// against, so it scores 0.
		d.state = streaming
		d.prev = hist
		d.addBoundary(ctx, img, Shot{
			Timestamp:  timestamp,
			Score:      0,
			FrameIndex: frameIndex,
		})
		return true, nil

	case streaming:
		score := histogram.Difference(d.prev, hist)
		d.prev = hist

		if score > d.opts.Threshold {
			d.addBoundary(ctx, img, Shot{
				Timestamp:  timestamp,
				Score:      score,
				FrameIndex: frameIndex,
			})
			return true, nil
		}
		return false, nil
	}

	return false, nil
}

// addBoundary captures thumbnail and embedding for a new shot. Both side
// effects are best-effort: a failure leaves the field absent and the scan
// continues.
func (d *Detector) addBoundary(ctx context.Context, img image.Image, shot Shot) {
	if d.thumbs != nil {
		name, err := d.thumbs.SaveThumbnail(img, shot.FrameIndex, shot.Timestamp)
		if err != nil {
			d.logger.Warn().Err(err).
				Int("frame", shot.FrameIndex).
				Msg("thumbnail write failed, continuing without")
		} else {
			shot.ThumbnailFile = name
		}
	}

	if d.embedder != nil {
		emb, err := d.embedder.EmbedImage(ctx, img)
		if err != nil {
			d.logger.Warn().Err(err).
				Int("frame", shot.FrameIndex).
				Msg("embedding extraction failed, continuing without")
		} else {
			shot.Embedding = emb
		}
	}

	d.shots = append(d.shots, shot)

	d.logger.Debug().
		Int("frame", shot.FrameIndex).
		Float64("timestamp", shot.Timestamp).
		Float64("score", shot.Score).
		Msg("shot boundary")
}

// Shots returns a defensive copy of the accumulated shot list.
func (d *Detector) Shots() []Shot {
	out := make([]Shot, len(d.shots))
	copy(out, d.shots)
	return out
}

// Reset returns the detector to its initial state for reprocessing a video.
func (d *Detector) Reset() {
	d.state = awaitingFirstFrame
	d.prev = nil
	d.shots = nil
}

// Finalize ends the stream: durations are back-filled from totalDuration
// (pass a negative value when unknown) and, when a sink is attached and any
// shot carries an embedding, the shot list is persisted. The returned key is
// empty when nothing was persisted.
func (d *Detector) Finalize(totalDuration float64) (string, error) {
	if d.state == finalized {
		return "", fmt.Errorf("detector already finalized")
	}
	d.state = finalized

	d.shots = CalculateSceneDurations(d.shots, totalDuration)

	if d.sink == nil || len(d.shots) == 0 {
		return "", nil
	}

	persist := false
	for i := range d.shots {
		if d.shots[i].Embedding != nil {
			persist = true
			break
		}
	}
	if !persist {
		return "", nil
	}

	key, err := d.sink.SaveShots(d.Shots())
	if err != nil {
		return "", fmt.Errorf("failed to persist shots: %w", err)
	}
	return key, nil
}
