package ffmpeg

import "time"

// VideoInfo contains metadata about a video file
type VideoInfo struct {
	Duration time.Duration
	Width    int
	Height   int
	FPS      float64
}
