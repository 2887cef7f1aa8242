// Package store persists per-shot analysis artifacts (thumbnails and
// feature files) under a video directory, and tracks analysis runs in a
// sqlite catalog.
package store

import (
	"path/filepath"

	"github.com/rs/zerolog"
)

const (
	thumbnailDirName = "thumbnails"
	featureDirName   = "features"
)

// Store reads and writes the thumbnails/ and features/ subtrees of one video
// directory. File writes are atomic (create, write, rename) so readers never
// observe a partial file even if scanning is ever parallelized.
type Store struct {
	logger zerolog.Logger
	root   string
}

// New creates a store rooted at the parent directory of the videos.
func New(logger zerolog.Logger, root string) *Store {
	return &Store{
		logger: logger.With().Str("component", "store").Str("root", root).Logger(),
		root:   root,
	}
}

// Root returns the directory this store manages.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) thumbnailDir() string {
	return filepath.Join(s.root, thumbnailDirName)
}

func (s *Store) featureDir() string {
	return filepath.Join(s.root, featureDirName)
}
