package embed

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
)

type stubProvider struct {
	closed bool
}

func (s *stubProvider) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (s *stubProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{0, 1}, nil
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func TestLazyProviderSingleBuild(t *testing.T) {
	var builds int32
	lazy := NewLazyProvider(func() (Provider, error) {
		atomic.AddInt32(&builds, 1)
		return &stubProvider{}, nil
	})

	ctx := context.Background()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(text bool) {
			defer wg.Done()
			var err error
			if text {
				_, err = lazy.EmbedText(ctx, "query")
			} else {
				_, err = lazy.EmbedImage(ctx, img)
			}
			if err != nil {
				t.Errorf("embed failed: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&builds); got != 1 {
		t.Errorf("build called %d times, want 1", got)
	}
}

func TestLazyProviderBuildError(t *testing.T) {
	wantErr := errors.New("model load failed")
	var builds int32
	lazy := NewLazyProvider(func() (Provider, error) {
		atomic.AddInt32(&builds, 1)
		return nil, wantErr
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := lazy.EmbedText(ctx, "query"); !errors.Is(err, wantErr) {
			t.Errorf("expected build error, got %v", err)
		}
	}
	// The failed load is not retried.
	if got := atomic.LoadInt32(&builds); got != 1 {
		t.Errorf("build called %d times, want 1", got)
	}
}

func TestLazyProviderCloseWithoutUse(t *testing.T) {
	var builds int32
	lazy := NewLazyProvider(func() (Provider, error) {
		atomic.AddInt32(&builds, 1)
		return &stubProvider{}, nil
	})

	if err := lazy.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := atomic.LoadInt32(&builds); got != 0 {
		t.Errorf("Close triggered %d builds, want 0", got)
	}
}

func TestLazyProviderEmbedAfterEarlyClose(t *testing.T) {
	var builds int32
	lazy := NewLazyProvider(func() (Provider, error) {
		atomic.AddInt32(&builds, 1)
		return &stubProvider{}, nil
	})

	if err := lazy.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A closed, never-loaded provider must error, not load or panic.
	if _, err := lazy.EmbedText(context.Background(), "query"); err == nil {
		t.Error("EmbedText after early Close should fail")
	}
	if _, err := lazy.EmbedImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Error("EmbedImage after early Close should fail")
	}
	if got := atomic.LoadInt32(&builds); got != 0 {
		t.Errorf("build called %d times after Close, want 0", got)
	}
}

func TestLazyProviderClosePassesThrough(t *testing.T) {
	stub := &stubProvider{}
	lazy := NewLazyProvider(func() (Provider, error) {
		return stub, nil
	})

	if _, err := lazy.EmbedText(context.Background(), "query"); err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	if err := lazy.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !stub.closed {
		t.Error("underlying provider was not closed")
	}
}
