package detect

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/rs/zerolog"
)

func solidFrame(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

var (
	red   = color.RGBA{220, 20, 20, 255}
	blue  = color.RGBA{20, 20, 220, 255}
	green = color.RGBA{20, 220, 20, 255}
)

func newTestDetector(threshold float64, embedder Embedder, thumbs ThumbnailSaver, sink ShotSink) *Detector {
	return New(zerolog.Nop(), Options{Threshold: threshold, ScaledSize: 32}, embedder, thumbs, sink)
}

func feed(t *testing.T, d *Detector, frames []image.Image, interval float64) {
	t.Helper()
	ctx := context.Background()
	for i, img := range frames {
		if _, err := d.ProcessFrame(ctx, img, i, float64(i)*interval); err != nil {
			t.Fatalf("ProcessFrame(%d) failed: %v", i, err)
		}
	}
}

func TestFirstFrameAlwaysBoundary(t *testing.T) {
	d := newTestDetector(0.3, nil, nil, nil)

	boundary, err := d.ProcessFrame(context.Background(), solidFrame(red), 0, 0)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if !boundary {
		t.Error("first frame must open a shot")
	}

	shots := d.Shots()
	if len(shots) != 1 {
		t.Fatalf("expected 1 shot, got %d", len(shots))
	}
	if shots[0].Score != 0 {
		t.Errorf("first shot score must be 0, got %f", shots[0].Score)
	}
	if shots[0].FrameIndex != 0 {
		t.Errorf("first shot frame index must be 0, got %d", shots[0].FrameIndex)
	}
}

// halfFrame is half red, half blue: its distance to a solid red frame lands
// strictly between the two thresholds exercised below.
func halfFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 64; x++ {
			if x < 32 {
				img.SetRGBA(x, y, red)
			} else {
				img.SetRGBA(x, y, blue)
			}
		}
	}
	return img
}

func TestThresholdConsistency(t *testing.T) {
	// Solid red vs half red / half blue has chi-square score 1/3.
	frames := []image.Image{solidFrame(red), halfFrame()}

	sensitive := newTestDetector(0.2, nil, nil, nil)
	feed(t, sensitive, frames, 1.0)
	if got := len(sensitive.Shots()); got != 2 {
		t.Errorf("threshold below cut distance: expected 2 shots, got %d", got)
	}

	insensitive := newTestDetector(0.5, nil, nil, nil)
	feed(t, insensitive, frames, 1.0)
	if got := len(insensitive.Shots()); got != 1 {
		t.Errorf("threshold above cut distance: expected 1 shot, got %d", got)
	}
}

func TestNoBoundaryForIdenticalFrames(t *testing.T) {
	d := newTestDetector(0.3, nil, nil, nil)
	feed(t, d, []image.Image{solidFrame(red), solidFrame(red), solidFrame(red)}, 1.0)

	if got := len(d.Shots()); got != 1 {
		t.Errorf("identical frames must not add boundaries, got %d shots", got)
	}
}

func TestMonotonicOrdering(t *testing.T) {
	d := newTestDetector(0.2, nil, nil, nil)
	frames := []image.Image{
		solidFrame(red), solidFrame(red),
		solidFrame(blue), solidFrame(blue),
		solidFrame(green), solidFrame(green),
	}
	feed(t, d, frames, 0.5)

	shots := d.Shots()
	if len(shots) != 3 {
		t.Fatalf("expected 3 shots, got %d", len(shots))
	}
	for i := 1; i < len(shots); i++ {
		if shots[i].Timestamp <= shots[i-1].Timestamp {
			t.Errorf("timestamps not strictly increasing at %d: %f <= %f",
				i, shots[i].Timestamp, shots[i-1].Timestamp)
		}
		if shots[i].FrameIndex <= shots[i-1].FrameIndex {
			t.Errorf("frame indexes not strictly increasing at %d", i)
		}
	}
}

func TestShotsReturnsDefensiveCopy(t *testing.T) {
	d := newTestDetector(0.3, nil, nil, nil)
	feed(t, d, []image.Image{solidFrame(red)}, 1.0)

	shots := d.Shots()
	shots[0].Score = 99

	if d.Shots()[0].Score != 0 {
		t.Error("mutating the returned slice must not affect detector state")
	}
}

func TestReset(t *testing.T) {
	d := newTestDetector(0.3, nil, nil, nil)
	feed(t, d, []image.Image{solidFrame(red), solidFrame(blue)}, 1.0)

	d.Reset()
	if got := len(d.Shots()); got != 0 {
		t.Fatalf("expected empty shot list after reset, got %d", got)
	}

	// Reprocessing works and first-boundary rule holds again.
	feed(t, d, []image.Image{solidFrame(green)}, 1.0)
	shots := d.Shots()
	if len(shots) != 1 || shots[0].Score != 0 {
		t.Errorf("detector did not return to initial state: %+v", shots)
	}
}

type failingEmbedder struct{ calls int }

func (f *failingEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	f.calls++
	return nil, fmt.Errorf("model unavailable")
}

type fixedEmbedder struct{ vec []float32 }

func (f *fixedEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	out := make([]float32, len(f.vec))
	copy(out, f.vec)
	return out, nil
}

type failingThumbs struct{}

func (failingThumbs) SaveThumbnail(img image.Image, frameIndex int, ts float64) (string, error) {
	return "", fmt.Errorf("disk full")
}

func TestEmbeddingFailureIsNonFatal(t *testing.T) {
	emb := &failingEmbedder{}
	d := newTestDetector(0.2, emb, failingThumbs{}, nil)

	feed(t, d, []image.Image{solidFrame(red), solidFrame(blue)}, 1.0)

	shots := d.Shots()
	if len(shots) != 2 {
		t.Fatalf("failures must not abort the scan, got %d shots", len(shots))
	}
	if emb.calls != 2 {
		t.Errorf("embedder should be tried per boundary, got %d calls", emb.calls)
	}
	for i, s := range shots {
		if s.Embedding != nil {
			t.Errorf("shot %d: embedding should be absent after failure", i)
		}
		if s.ThumbnailFile != "" {
			t.Errorf("shot %d: thumbnail ref should be absent after write failure", i)
		}
	}
}

type recordingSink struct {
	saved []Shot
	key   string
}

func (r *recordingSink) SaveShots(shots []Shot) (string, error) {
	r.saved = shots
	return r.key, nil
}

func TestFinalizePersistsWhenEmbeddingsPresent(t *testing.T) {
	sink := &recordingSink{key: "video.features.json"}
	d := newTestDetector(0.2, &fixedEmbedder{vec: []float32{1, 0}}, nil, sink)
	feed(t, d, []image.Image{solidFrame(red), solidFrame(blue)}, 5.0)

	key, err := d.Finalize(12)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if key != "video.features.json" {
		t.Errorf("expected sink key, got %q", key)
	}
	if len(sink.saved) != 2 {
		t.Fatalf("sink received %d shots", len(sink.saved))
	}
	// Durations back-filled before persisting.
	if sink.saved[0].Duration == nil || *sink.saved[0].Duration != 5 {
		t.Errorf("first shot duration = %v, want 5", sink.saved[0].Duration)
	}
	if sink.saved[1].Duration == nil || *sink.saved[1].Duration != 7 {
		t.Errorf("last shot duration = %v, want 7", sink.saved[1].Duration)
	}
}

func TestFinalizeWithoutEmbeddingsSkipsSink(t *testing.T) {
	sink := &recordingSink{key: "unused"}
	d := newTestDetector(0.2, nil, nil, sink)
	feed(t, d, []image.Image{solidFrame(red)}, 1.0)

	key, err := d.Finalize(-1)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if key != "" {
		t.Errorf("expected empty key with no embeddings, got %q", key)
	}
	if sink.saved != nil {
		t.Error("sink must not be invoked when no shot carries an embedding")
	}
}

func TestCalculateSceneDurations(t *testing.T) {
	shots := []Shot{
		{Timestamp: 0},
		{Timestamp: 5},
		{Timestamp: 12},
	}

	out := CalculateSceneDurations(shots, 20)

	want := []float64{5, 7, 8}
	for i, w := range want {
		if out[i].Duration == nil {
			t.Fatalf("shot %d: duration absent", i)
		}
		if *out[i].Duration != w {
			t.Errorf("shot %d: duration = %f, want %f", i, *out[i].Duration, w)
		}
	}

	// Input slice untouched.
	for i := range shots {
		if shots[i].Duration != nil {
			t.Errorf("input shot %d mutated", i)
		}
	}
}

func TestCalculateSceneDurationsUnknownTotal(t *testing.T) {
	out := CalculateSceneDurations([]Shot{{Timestamp: 0}, {Timestamp: 4}}, -1)

	if out[0].Duration == nil || *out[0].Duration != 4 {
		t.Errorf("first duration = %v, want 4", out[0].Duration)
	}
	if out[1].Duration != nil {
		t.Errorf("last duration must stay absent when total is unknown, got %v", *out[1].Duration)
	}
}

func TestCalculateSceneDurationsEmpty(t *testing.T) {
	if out := CalculateSceneDurations(nil, 10); len(out) != 0 {
		t.Errorf("expected empty output for empty input, got %d", len(out))
	}
}
