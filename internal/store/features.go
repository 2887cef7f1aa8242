package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keagan/shotscope/internal/detect"
	"github.com/keagan/shotscope/pkg/util"
)

// FeatureFile is the on-disk projection of an analysis run for one video.
type FeatureFile struct {
	VideoName    string        `json:"videoName"`
	Timestamp    time.Time     `json:"timestamp"`
	TotalScenes  int           `json:"totalScenes"`
	SceneChanges []SceneChange `json:"sceneChanges"`
}

// SceneChange is the storable projection of one detect.Shot. Embeddings are
// stored as plain JSON number arrays; transient handles are not persisted.
// Absent optional fields stay absent (omitted keys), never empty values.
type SceneChange struct {
	Timestamp         float64   `json:"timestamp"`
	Score             float64   `json:"score"`
	FrameIndex        int       `json:"frameIndex"`
	FormattedTime     string    `json:"formattedTime,omitempty"`
	ThumbnailFileName string    `json:"thumbnailFileName,omitempty"`
	Duration          *float64  `json:"duration,omitempty"`
	FormattedDuration string    `json:"formattedDuration,omitempty"`
	ImageFeatures     []float32 `json:"imageFeatures,omitempty"`
}

// NewFeatureFile projects a shot list into its persisted form.
func NewFeatureFile(videoName string, analyzedAt time.Time, shots []detect.Shot) *FeatureFile {
	changes := make([]SceneChange, 0, len(shots))
	for _, shot := range shots {
		sc := SceneChange{
			Timestamp:         shot.Timestamp,
			Score:             shot.Score,
			FrameIndex:        shot.FrameIndex,
			FormattedTime:     util.FormatTimestamp(shot.Timestamp),
			ThumbnailFileName: shot.ThumbnailFile,
			Duration:          copyFloat(shot.Duration),
			ImageFeatures:     copyVector(shot.Embedding),
		}
		if sc.Duration != nil {
			sc.FormattedDuration = util.FormatTimestamp(*sc.Duration)
		}
		changes = append(changes, sc)
	}

	return &FeatureFile{
		VideoName:    videoName,
		Timestamp:    analyzedAt,
		TotalScenes:  len(shots),
		SceneChanges: changes,
	}
}

// Shots rebuilds the runtime shot list from the persisted projection.
func (f *FeatureFile) Shots() []detect.Shot {
	shots := make([]detect.Shot, 0, len(f.SceneChanges))
	for _, sc := range f.SceneChanges {
		shots = append(shots, detect.Shot{
			Timestamp:     sc.Timestamp,
			Score:         sc.Score,
			FrameIndex:    sc.FrameIndex,
			ThumbnailFile: sc.ThumbnailFileName,
			Duration:      copyFloat(sc.Duration),
			Embedding:     copyVector(sc.ImageFeatures),
		})
	}
	return shots
}

// FeatureFileName returns the features filename for a video identifier.
func FeatureFileName(videoID string) string {
	return util.SanitizeVideoID(util.StripExtension(videoID)) + ".features.json"
}

// SaveFeatures serializes the shot list for videoID under features/ and
// returns the written filename. A rerun for the same video replaces the
// prior file.
func (s *Store) SaveFeatures(videoID string, analyzedAt time.Time, shots []detect.Shot) (string, error) {
	if err := util.EnsureDir(s.featureDir()); err != nil {
		return "", fmt.Errorf("failed to create features directory: %w", err)
	}

	file := NewFeatureFile(videoID, analyzedAt, shots)
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode features: %w", err)
	}

	name := FeatureFileName(videoID)
	if err := util.AtomicWriteFile(filepath.Join(s.featureDir(), name), data); err != nil {
		return "", fmt.Errorf("failed to write features file: %w", err)
	}

	s.logger.Debug().Str("file", name).Int("scenes", len(shots)).Msg("features saved")
	return name, nil
}

// LoadFeatures reads the persisted shot list for videoID. A missing or
// unparseable file yields (nil, nil): callers fall back to re-analysis
// instead of failing.
func (s *Store) LoadFeatures(videoID string) ([]detect.Shot, error) {
	file, err := s.LoadFeatureFile(videoID)
	if err != nil || file == nil {
		return nil, err
	}
	return file.Shots(), nil
}

// LoadFeatureFile is LoadFeatures without the projection back to runtime
// shots, for callers that need the analysis metadata too.
func (s *Store) LoadFeatureFile(videoID string) (*FeatureFile, error) {
	name := FeatureFileName(videoID)
	data, err := os.ReadFile(filepath.Join(s.featureDir(), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.logger.Warn().Err(err).Str("file", name).Msg("features unreadable, treating as absent")
		return nil, nil
	}

	var file FeatureFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("features corrupt, treating as absent")
		return nil, nil
	}

	return &file, nil
}

// DeleteFeatures removes the persisted shot list for videoID. Missing files
// are not an error.
func (s *Store) DeleteFeatures(videoID string) error {
	err := os.Remove(filepath.Join(s.featureDir(), FeatureFileName(videoID)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListFeatureFiles returns every persisted feature file in this directory.
func (s *Store) ListFeatureFiles() ([]*FeatureFile, error) {
	entries, err := os.ReadDir(s.featureDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read features directory: %w", err)
	}

	var files []*FeatureFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.featureDir(), entry.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unreadable features file")
			continue
		}
		var file FeatureFile
		if err := json.Unmarshal(data, &file); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping corrupt features file")
			continue
		}
		files = append(files, &file)
	}

	return files, nil
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
