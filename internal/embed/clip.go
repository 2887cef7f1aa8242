package embed

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	imageEdge = 224
)

// clipMean and clipStd are the CLIP training normalization constants.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// imageOutputHeads and textOutputHeads list accepted encoder output names in
// priority order. Different CLIP exports name their embedding head
// differently; the first present name wins, and a model exposing none of
// them is rejected loudly rather than silently defaulted.
var (
	imageOutputHeads = []string{"unnorm_image_features", "image_embeds", "pooler_output"}
	textOutputHeads  = []string{"unnorm_text_features", "text_embeds", "pooler_output"}
)

// CLIPConfig locates the exported encoder pair and its tokenizer data.
type CLIPConfig struct {
	ImageEncoderPath string
	TextEncoderPath  string
	VocabPath        string
	MergesPath       string
	// Dimension is used when the model reports a dynamic output width.
	Dimension     int
	ContextLength int
}

// CLIPProvider runs ONNX CLIP image and text encoders sharing one embedding
// space.
type CLIPProvider struct {
	logger       zerolog.Logger
	tokenizer    *Tokenizer
	imageSession *ort.DynamicAdvancedSession
	textSession  *ort.DynamicAdvancedSession
	imageDim     int
	textDim      int
	imageShape   ort.Shape
}

// NewCLIPProvider loads both encoders. This is the expensive call a
// LazyProvider defers.
func NewCLIPProvider(logger zerolog.Logger, cfg CLIPConfig) (*CLIPProvider, error) {
	for _, path := range []string{cfg.ImageEncoderPath, cfg.TextEncoderPath} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("model file not found: %s", path)
		}
	}

	tokenizer, err := NewTokenizer(cfg.VocabPath, cfg.MergesPath, cfg.ContextLength)
	if err != nil {
		return nil, err
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	imageOut, imageDim, err := selectOutputHead(cfg.ImageEncoderPath, imageOutputHeads, cfg.Dimension)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("image encoder: %w", err)
	}

	textOut, textDim, err := selectOutputHead(cfg.TextEncoderPath, textOutputHeads, cfg.Dimension)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("text encoder: %w", err)
	}

	imageSession, err := ort.NewDynamicAdvancedSession(
		cfg.ImageEncoderPath,
		[]string{"pixel_values"},
		[]string{imageOut},
		nil,
	)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create image encoder session: %w", err)
	}

	textSession, err := ort.NewDynamicAdvancedSession(
		cfg.TextEncoderPath,
		[]string{"input_ids", "attention_mask"},
		[]string{textOut},
		nil,
	)
	if err != nil {
		imageSession.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create text encoder session: %w", err)
	}

	logger.Info().
		Str("image_encoder", cfg.ImageEncoderPath).
		Str("text_encoder", cfg.TextEncoderPath).
		Str("image_head", imageOut).
		Str("text_head", textOut).
		Int("dimension", imageDim).
		Msg("CLIP encoders loaded")

	return &CLIPProvider{
		logger:       logger,
		tokenizer:    tokenizer,
		imageSession: imageSession,
		textSession:  textSession,
		imageDim:     imageDim,
		textDim:      textDim,
		imageShape:   ort.NewShape(1, 3, imageEdge, imageEdge),
	}, nil
}

// selectOutputHead inspects the exported model and picks the first accepted
// output name present, along with its embedding width. fallbackDim covers
// models whose output width is dynamic.
func selectOutputHead(modelPath string, accepted []string, fallbackDim int) (string, int, error) {
	_, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to inspect model outputs: %w", err)
	}

	byName := make(map[string]ort.InputOutputInfo, len(outputs))
	available := make([]string, 0, len(outputs))
	for _, out := range outputs {
		byName[out.Name] = out
		available = append(available, out.Name)
	}

	for _, name := range accepted {
		out, ok := byName[name]
		if !ok {
			continue
		}
		dim := fallbackDim
		if n := len(out.Dimensions); n > 0 && out.Dimensions[n-1] > 0 {
			dim = int(out.Dimensions[n-1])
		}
		if dim <= 0 {
			return "", 0, fmt.Errorf("output %s has dynamic width and no fallback dimension configured", name)
		}
		return name, dim, nil
	}

	return "", 0, fmt.Errorf("no accepted embedding output among %v (model exposes %v)", accepted, available)
}

// EmbedImage encodes one frame into the shared feature space.
func (p *CLIPProvider) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pixelTensor, err := ort.NewTensor(p.imageShape, preprocessImage(img))
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel tensor: %w", err)
	}
	defer pixelTensor.Destroy()

	outTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(p.imageDim)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outTensor.Destroy()

	inputs := []ort.ArbitraryTensor{pixelTensor}
	outputs := []ort.ArbitraryTensor{outTensor}
	if err := p.imageSession.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("image encoder inference failed: %w", err)
	}

	return copyEmbedding(outTensor.GetData(), p.imageDim)
}

// EmbedText encodes a query string into the shared feature space.
func (p *CLIPProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, mask, err := p.tokenizer.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize query: %w", err)
	}

	seqShape := ort.NewShape(1, int64(len(ids)))

	idsTensor, err := ort.NewTensor(seqShape, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(seqShape, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(p.textDim)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outTensor.Destroy()

	inputs := []ort.ArbitraryTensor{idsTensor, maskTensor}
	outputs := []ort.ArbitraryTensor{outTensor}
	if err := p.textSession.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("text encoder inference failed: %w", err)
	}

	return copyEmbedding(outTensor.GetData(), p.textDim)
}

// Close releases both sessions and the ONNX environment.
func (p *CLIPProvider) Close() error {
	p.logger.Info().Msg("closing CLIP sessions")
	if p.imageSession != nil {
		if err := p.imageSession.Destroy(); err != nil {
			return err
		}
		p.imageSession = nil
	}
	if p.textSession != nil {
		if err := p.textSession.Destroy(); err != nil {
			return err
		}
		p.textSession = nil
	}
	return ort.DestroyEnvironment()
}

// preprocessImage produces pixel_values: float32[1,3,224,224], bilinear
// resize then CLIP mean/std normalization, channel-major.
func preprocessImage(img image.Image) []float32 {
	resized := resize.Resize(imageEdge, imageEdge, img, resize.Bilinear)

	data := make([]float32, 3*imageEdge*imageEdge)
	bounds := resized.Bounds()
	idx := 0

	for ch := 0; ch < 3; ch++ {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := resized.At(x, y).RGBA()
				var v float32
				switch ch {
				case 0:
					v = float32(r>>8) / 255.0
				case 1:
					v = float32(g>>8) / 255.0
				case 2:
					v = float32(b>>8) / 255.0
				}
				data[idx] = (v - clipMean[ch]) / clipStd[ch]
				idx++
			}
		}
	}

	return data
}

func copyEmbedding(data []float32, dim int) ([]float32, error) {
	if len(data) < dim {
		return nil, fmt.Errorf("encoder returned %d values, expected %d", len(data), dim)
	}
	out := make([]float32, dim)
	copy(out, data[:dim])
	return out, nil
}
