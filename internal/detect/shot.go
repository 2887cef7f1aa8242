package detect

// Shot is one detected shot boundary and the metadata accumulated for it
// during a scan.
type Shot struct {
	// Timestamp is the boundary position in seconds from video start.
	Timestamp float64
	// Score is the histogram distance that triggered the boundary. The first
	// shot of a video always carries 0: there is no predecessor to compare
	// against.
	Score float64
	// FrameIndex is the sampled-frame index of the boundary.
	FrameIndex int
	// ThumbnailFile names the saved preview image, empty when the write
	// failed or thumbnails are disabled.
	ThumbnailFile string
	// Duration is the gap to the next boundary (or to video end for the last
	// shot). Nil until Finalize has run: durations need the whole stream.
	Duration *float64
	// Embedding is the shot's image feature vector, nil when extraction is
	// disabled or failed for this shot.
	Embedding []float32
}

// CalculateSceneDurations back-fills shot durations from the ordered shot
// list. Every shot but the last spans to the next boundary; the last spans to
// totalDuration when known (pass a negative value when it is not, which
// leaves the last duration absent). Pure post-processing pass: the last
// shot's duration depends on global context only available after the stream
// completes.
func CalculateSceneDurations(shots []Shot, totalDuration float64) []Shot {
	out := make([]Shot, len(shots))
	copy(out, shots)

	for i := range out {
		if i < len(out)-1 {
			d := out[i+1].Timestamp - out[i].Timestamp
			out[i].Duration = &d
			continue
		}
		if totalDuration >= 0 {
			d := totalDuration - out[i].Timestamp
			if d < 0 {
				d = 0
			}
			out[i].Duration = &d
		}
	}

	return out
}
