package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keagan/shotscope/internal/config"
	"github.com/keagan/shotscope/internal/detect"
	"github.com/keagan/shotscope/internal/ffmpeg"
	"github.com/keagan/shotscope/internal/search"
	"github.com/keagan/shotscope/internal/store"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH - install with: brew install ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH - install with: brew install ffmpeg")
	}
}

// makeTestVideo synthesizes a short solid-color clip at path.
func makeTestVideo(t *testing.T, path string, seconds int) {
	t.Helper()
	cmd := exec.Command("ffmpeg",
		"-f", "lavfi", "-i", fmt.Sprintf("color=c=red:s=160x120:d=%d", seconds),
		"-pix_fmt", "yuv420p", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("failed to synthesize test video: %v\n%s", err, out)
	}
}

// fixedProvider maps every query to the x axis so scores are predictable.
type fixedProvider struct{}

func (fixedProvider) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (fixedProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (fixedProvider) Close() error { return nil }

func testConfig() *config.Config {
	cfg, err := config.Load("/nonexistent/config.yaml")
	if err != nil {
		panic(err)
	}
	return cfg
}

func seedFeatures(t *testing.T, st *store.Store, videoID string, shots []detect.Shot) {
	t.Helper()
	if _, err := st.SaveFeatures(videoID, time.Now().UTC(), shots); err != nil {
		t.Fatalf("failed to seed features for %s: %v", videoID, err)
	}
}

func TestSearchOverStoredShots(t *testing.T) {
	dir := t.TempDir()
	st := store.New(zerolog.Nop(), dir)

	seedFeatures(t, st, "beach.mp4", []detect.Shot{
		{FrameIndex: 0, Timestamp: 0, Embedding: []float32{1, 0}},
		{FrameIndex: 4, Timestamp: 4, Embedding: []float32{0, 1}},
	})
	seedFeatures(t, st, "city.mp4", []detect.Shot{
		{FrameIndex: 0, Timestamp: 0, Embedding: []float32{-1, 0}},
	})

	p := New(zerolog.Nop(), testConfig(), nil, st, nil, fixedProvider{})

	results, err := p.Search(context.Background(), []string{"waves"}, search.Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].VideoID != "beach.mp4" || results[0].FrameIndex != 0 {
		t.Errorf("best match = %s#%d, want beach.mp4#0", results[0].VideoID, results[0].FrameIndex)
	}
	if results[0].Score <= results[1].Score || results[1].Score <= results[2].Score {
		t.Error("results not strictly ordered by score")
	}
}

func TestSearchWithoutProvider(t *testing.T) {
	st := store.New(zerolog.Nop(), t.TempDir())
	p := New(zerolog.Nop(), testConfig(), nil, st, nil, nil)

	if _, err := p.Search(context.Background(), []string{"anything"}, search.Options{}); err == nil {
		t.Error("expected error when no embedding model is available")
	}
}

func TestCollectGarbageRemovesDeletedVideos(t *testing.T) {
	dir := t.TempDir()
	st := store.New(zerolog.Nop(), dir)

	catalog, err := store.OpenCatalog(zerolog.Nop(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	defer catalog.Close()

	// "kept.mp4" still exists on disk, "gone.mp4" does not.
	if err := os.WriteFile(filepath.Join(dir, "kept.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create video file: %v", err)
	}

	shots := []detect.Shot{{FrameIndex: 0, Timestamp: 0, Embedding: []float32{1, 0}}}
	seedFeatures(t, st, "kept.mp4", shots)
	seedFeatures(t, st, "gone.mp4", shots)

	for _, id := range []string{"kept.mp4", "gone.mp4"} {
		err := catalog.Save(store.CatalogRecord{
			Dir:        dir,
			VideoID:    id,
			AnalyzedAt: time.Now().UTC(),
			ShotCount:  1,
		})
		if err != nil {
			t.Fatalf("catalog save failed: %v", err)
		}
	}

	p := New(zerolog.Nop(), testConfig(), nil, st, catalog, nil)

	report, err := p.CollectGarbage(context.Background(), dir)
	if err != nil {
		t.Fatalf("CollectGarbage failed: %v", err)
	}
	if len(report.RemovedFeatures) != 1 || report.RemovedFeatures[0] != "gone.mp4" {
		t.Fatalf("removed features = %v, want [gone.mp4]", report.RemovedFeatures)
	}

	if kept, err := st.LoadFeatures("kept.mp4"); err != nil || kept == nil {
		t.Errorf("surviving video's features were lost: shots=%v err=%v", kept, err)
	}
	if gone, err := st.LoadFeatures("gone.mp4"); err != nil || gone != nil {
		t.Errorf("deleted video's features survived: shots=%v err=%v", gone, err)
	}

	records, err := catalog.List(dir)
	if err != nil {
		t.Fatalf("catalog list failed: %v", err)
	}
	if len(records) != 1 || records[0].VideoID != "kept.mp4" {
		t.Errorf("catalog rows = %+v, want only kept.mp4", records)
	}

	// A second pass with nothing changed removes nothing.
	again, err := p.CollectGarbage(context.Background(), dir)
	if err != nil {
		t.Fatalf("second CollectGarbage failed: %v", err)
	}
	if len(again.RemovedFeatures) != 0 || len(again.RemovedThumbnails) != 0 {
		t.Errorf("second pass removed %v / %v, want nothing", again.RemovedFeatures, again.RemovedThumbnails)
	}
}

func TestAnalyzeDirectorySurvivesBadVideo(t *testing.T) {
	skipIfNoFFmpeg(t)

	dir := t.TempDir()
	makeTestVideo(t, filepath.Join(dir, "first.mp4"), 2)
	makeTestVideo(t, filepath.Join(dir, "second.mp4"), 2)
	if err := os.WriteFile(filepath.Join(dir, "broken.mp4"), []byte("not a video"), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := ffmpeg.New(zerolog.Nop(), "", 0)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}

	cfg := testConfig()
	cfg.Analysis.Embedding = false
	st := store.New(zerolog.Nop(), dir)
	p := New(zerolog.Nop(), cfg, e, st, nil, nil)

	report, err := p.AnalyzeDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("AnalyzeDirectory failed: %v", err)
	}

	if len(report.Analyzed) != 2 {
		t.Fatalf("analyzed %d video(s), want 2", len(report.Analyzed))
	}
	for _, vr := range report.Analyzed {
		if vr.ShotCount < 1 {
			t.Errorf("%s: shot count = %d, want at least 1", vr.VideoID, vr.ShotCount)
		}
		if shots, err := st.LoadFeatures(vr.VideoID); err != nil || shots == nil {
			t.Errorf("%s: features not persisted: shots=%v err=%v", vr.VideoID, shots, err)
		}
	}

	if len(report.Failed) != 1 {
		t.Fatalf("failed %d video(s), want 1", len(report.Failed))
	}
	if got := filepath.Base(report.Failed[0].Path); got != "broken.mp4" {
		t.Errorf("failed video = %s, want broken.mp4", got)
	}
	if report.Failed[0].Err == nil {
		t.Error("failure carries no error")
	}
}

func TestAnalyzeDirectorySweepsOrphanedThumbnails(t *testing.T) {
	dir := t.TempDir()
	st := store.New(zerolog.Nop(), dir)

	// A feature file references ref.jpg; orphan.jpg belongs to nothing.
	seedFeatures(t, st, "kept.mp4", []detect.Shot{
		{FrameIndex: 0, Timestamp: 0, ThumbnailFile: "ref.jpg"},
	})
	thumbDir := filepath.Join(dir, "thumbnails")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ref.jpg", "orphan.jpg"} {
		if err := os.WriteFile(filepath.Join(thumbDir, name), []byte("jpg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p := New(zerolog.Nop(), testConfig(), nil, st, nil, nil)

	// No video files in the directory; the batch is just the closing sweep.
	report, err := p.AnalyzeDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("AnalyzeDirectory failed: %v", err)
	}
	if report.Cleaned == nil {
		t.Fatal("batch did not run the cleanup pass")
	}
	if len(report.Cleaned.RemovedThumbnails) != 1 || report.Cleaned.RemovedThumbnails[0] != "orphan.jpg" {
		t.Errorf("removed thumbnails = %v, want [orphan.jpg]", report.Cleaned.RemovedThumbnails)
	}
	if _, err := os.Stat(filepath.Join(thumbDir, "ref.jpg")); err != nil {
		t.Errorf("referenced thumbnail was removed: %v", err)
	}
}

func TestCollectGarbageWithoutCatalog(t *testing.T) {
	st := store.New(zerolog.Nop(), t.TempDir())
	p := New(zerolog.Nop(), testConfig(), nil, st, nil, nil)

	report, err := p.CollectGarbage(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("CollectGarbage failed: %v", err)
	}
	if len(report.RemovedFeatures) != 0 || len(report.RemovedThumbnails) != 0 {
		t.Errorf("empty store should remove nothing, got %+v", report)
	}
}
