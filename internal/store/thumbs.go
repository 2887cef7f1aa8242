package store

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"

	"github.com/keagan/shotscope/pkg/util"
)

const (
	// thumbnailLongEdge bounds saved preview size.
	thumbnailLongEdge = 640
	thumbnailQuality  = 85
)

// ThumbnailFileName derives the deterministic, collision-free filename for a
// shot preview. The sanitized video identifier keeps names from different
// videos in a shared directory apart.
func ThumbnailFileName(videoID string, frameIndex int, timestamp float64) string {
	return fmt.Sprintf("%s_frame_%d_%s.jpg",
		util.SanitizeVideoID(videoID), frameIndex, util.PadTimestamp(timestamp))
}

// SaveThumbnail encodes a bounded-size JPEG preview of img under thumbnails/
// and returns its filename. The directory is created on first use.
func (s *Store) SaveThumbnail(img image.Image, videoID string, frameIndex int, timestamp float64) (string, error) {
	if err := util.EnsureDir(s.thumbnailDir()); err != nil {
		return "", fmt.Errorf("failed to create thumbnails directory: %w", err)
	}

	preview := resize.Thumbnail(thumbnailLongEdge, thumbnailLongEdge, img, resize.Bilinear)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, preview, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	name := ThumbnailFileName(videoID, frameIndex, timestamp)
	if err := util.AtomicWriteFile(filepath.Join(s.thumbnailDir(), name), buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}

	s.logger.Debug().Str("file", name).Msg("thumbnail saved")
	return name, nil
}

// LoadThumbnail returns the encoded preview bytes for filename, or nil when
// the file is missing. Absence means "thumbnail unavailable", not failure.
func (s *Store) LoadThumbnail(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.thumbnailDir(), filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read thumbnail: %w", err)
	}
	return data, nil
}

// ThumbnailWriter binds a store to one video so the detector can save
// previews without knowing about directory layout.
type ThumbnailWriter struct {
	store   *Store
	videoID string
}

// ForVideo returns a ThumbnailWriter scoped to videoID.
func (s *Store) ForVideo(videoID string) *ThumbnailWriter {
	return &ThumbnailWriter{store: s, videoID: videoID}
}

// SaveThumbnail implements detect.ThumbnailSaver.
func (w *ThumbnailWriter) SaveThumbnail(img image.Image, frameIndex int, timestamp float64) (string, error) {
	return w.store.SaveThumbnail(img, w.videoID, frameIndex, timestamp)
}

// CollectGarbage deletes thumbnails no feature file references. Referenced
// names are gathered across every remaining video's records, so a thumbnail
// still in use is never deleted, and a second run with no intervening
// changes deletes nothing.
func (s *Store) CollectGarbage() ([]string, error) {
	files, err := s.ListFeatureFiles()
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{})
	for _, file := range files {
		for _, sc := range file.SceneChanges {
			if sc.ThumbnailFileName != "" {
				referenced[sc.ThumbnailFileName] = struct{}{}
			}
		}
	}

	entries, err := os.ReadDir(s.thumbnailDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read thumbnails directory: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.thumbnailDir(), name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("failed to remove orphaned thumbnail")
			continue
		}
		removed = append(removed, name)
	}

	if len(removed) > 0 {
		s.logger.Info().Int("removed", len(removed)).Msg("thumbnail garbage collected")
	}
	return removed, nil
}
