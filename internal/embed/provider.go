// Package embed produces fixed-length feature vectors for images and text in
// a shared space, so a text query can be ranked against stored image
// features.
package embed

import (
	"context"
	"errors"
	"image"
	"sync"
)

// Provider is an opaque cross-modal encoder. Both methods return vectors of
// one fixed width determined by the underlying model.
type Provider interface {
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// LazyProvider defers model loading to first use and guarantees a single
// in-flight load: concurrent first callers share one initialization and its
// result. It is an injected dependency, not a global.
type LazyProvider struct {
	buildOnce sync.Once
	build     func() (Provider, error)
	provider  Provider
	err       error
}

// NewLazyProvider wraps a constructor whose work (model load) should happen
// at most once, on first demand.
func NewLazyProvider(build func() (Provider, error)) *LazyProvider {
	return &LazyProvider{build: build}
}

func (l *LazyProvider) get() (Provider, error) {
	l.buildOnce.Do(func() {
		l.provider, l.err = l.build()
	})
	return l.provider, l.err
}

// EmbedImage implements Provider.
func (l *LazyProvider) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	p, err := l.get()
	if err != nil {
		return nil, err
	}
	return p.EmbedImage(ctx, img)
}

// EmbedText implements Provider.
func (l *LazyProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	p, err := l.get()
	if err != nil {
		return nil, err
	}
	return p.EmbedText(ctx, text)
}

// Close releases the underlying provider if it was ever loaded. Closing
// before first use claims the initialization slot, so later Embed calls
// return an error instead of loading a model that is being torn down.
func (l *LazyProvider) Close() error {
	l.buildOnce.Do(func() {
		l.err = errors.New("embedding provider closed before first use")
	})
	if l.provider == nil {
		return nil
	}
	return l.provider.Close()
}
