// Package histogram computes bounded dissimilarity scores between video
// frames from quantized RGB color histograms. Histogram comparison tolerates
// small spatial shifts and camera shake that defeat pixel-wise differencing,
// and is cheap enough to run on every sampled frame.
package histogram

import (
	"image"

	"github.com/nfnt/resize"
)

// Buckets is the per-channel quantization level. Three channels give
// Buckets^3 joint bins.
const Buckets = 16

// BinCount is the flat histogram size.
const BinCount = Buckets * Buckets * Buckets

// Histogram is a normalized color distribution: each bin holds
// count / total-pixel-count, so bins sum to 1 for any non-empty image.
type Histogram struct {
	bins []float64
}

// FromImage builds the normalized histogram of img after an
// aspect-preserving downsample whose long edge is scaledSize. The input
// image is read once and not retained.
func FromImage(img image.Image, scaledSize int) *Histogram {
	if scaledSize <= 0 {
		scaledSize = 64
	}

	scaled := resize.Thumbnail(uint(scaledSize), uint(scaledSize), img, resize.Bilinear)

	bins := make([]float64, BinCount)
	bounds := scaled.Bounds()
	total := float64(bounds.Dx() * bounds.Dy())
	if total == 0 {
		return &Histogram{bins: bins}
	}

	const shift = 8 - 4 // 8-bit channel down to log2(Buckets) bits

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := scaled.At(x, y).RGBA()
			ri := (r >> 8) >> shift
			gi := (g >> 8) >> shift
			bi := (b >> 8) >> shift
			bins[int(ri)*Buckets*Buckets+int(gi)*Buckets+int(bi)]++
		}
	}

	for i := range bins {
		bins[i] /= total
	}

	return &Histogram{bins: bins}
}

// Difference computes the chi-square distance between two normalized
// histograms, rescaled to [0,1]. The measure is symmetric and deterministic;
// bins empty in both histograms contribute zero.
func Difference(a, b *Histogram) float64 {
	var dist float64
	for i := 0; i < BinCount; i++ {
		sum := a.bins[i] + b.bins[i]
		if sum == 0 {
			continue
		}
		diff := a.bins[i] - b.bins[i]
		dist += diff * diff / sum
	}

	// Chi-square over two unit-mass histograms is bounded by 2.
	score := dist / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
