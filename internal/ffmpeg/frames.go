package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"

	"github.com/rs/zerolog"
)

// Frame is one decoded video frame with its position in the stream. Frames
// are transient: callers extract what they need and drop the reference
// before pulling the next frame.
type Frame struct {
	Image     image.Image
	Index     int
	Timestamp float64 // seconds from stream start
}

// FrameStream pulls decoded frames one at a time from a running ffmpeg
// process. The sequence is finite and non-restartable; Close terminates the
// decoder early and releases the pipe.
type FrameStream struct {
	logger zerolog.Logger
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	fps    float64
	index  int
	done   bool
}

// OpenFrameStream starts decoding input at sampleFPS frames per second,
// yielding frames over an MJPEG pipe.
func (e *Executor) OpenFrameStream(ctx context.Context, input string, sampleFPS float64) (*FrameStream, error) {
	if input == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if sampleFPS <= 0 {
		sampleFPS = 1.0
	}

	streamCtx, cancel := context.WithCancel(ctx)

	args := []string{"-hide_banner", "-loglevel", "error"}
	if e.threads > 0 {
		args = append(args, "-threads", fmt.Sprintf("%d", e.threads))
	}
	args = append(args,
		"-i", input,
		"-vf", fmt.Sprintf("fps=%f", sampleFPS),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"-",
	)

	cmd := exec.CommandContext(streamCtx, e.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	logger := e.logger.With().Str("input", input).Logger()

	// Drain stderr so the decoder never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug().Str("ffmpeg", scanner.Text()).Msg("frame stream output")
		}
	}()

	logger.Debug().Float64("sample_fps", sampleFPS).Msg("frame stream opened")

	return &FrameStream{
		logger: logger,
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		cancel: cancel,
		fps:    sampleFPS,
	}, nil
}

// Next returns the next decoded frame. It returns io.EOF once the stream is
// exhausted, and the context error if ctx is canceled before the next frame
// is available.
func (s *FrameStream) Next(ctx context.Context) (*Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := s.readJPEG()
	if err != nil {
		s.done = true
		if err == io.EOF {
			s.waitQuietly()
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame %d: %w", s.index, err)
	}

	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		s.done = true
		return nil, fmt.Errorf("failed to decode frame %d: %w", s.index, err)
	}

	frame := &Frame{
		Image:     img,
		Index:     s.index,
		Timestamp: float64(s.index) / s.fps,
	}
	s.index++
	return frame, nil
}

// readJPEG extracts one SOI..EOI block from the MJPEG pipe. Byte stuffing
// keeps 0xFFD9 out of entropy-coded data, so a marker scan is sufficient.
func (s *FrameStream) readJPEG() ([]byte, error) {
	// Seek start-of-image.
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		b, err = s.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0xD8 {
			break
		}
	}

	buf := make([]byte, 0, 64*1024)
	buf = append(buf, 0xFF, 0xD8)

	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if b != 0xFF {
			continue
		}
		nb, err := s.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, nb)
		if nb == 0xD9 {
			return buf, nil
		}
	}
}

// Close stops pulling frames and terminates the decoder. Safe to call after
// the stream is exhausted.
func (s *FrameStream) Close() error {
	s.done = true
	s.cancel()
	s.stdout.Close()
	s.waitQuietly()
	return nil
}

func (s *FrameStream) waitQuietly() {
	if s.cmd == nil {
		return
	}
	if err := s.cmd.Wait(); err != nil {
		s.logger.Debug().Err(err).Msg("frame stream process exited")
	}
	s.cmd = nil
}
