package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"

	"voicememo-go/internal/types"
)

// FFmpegDecoder shells out to ffmpeg and reads back raw little-endian float32
// samples. The output layout is fixed so the raw stream can be interpreted.
type FFmpegDecoder struct {
	Binary     string
	SampleRate int
	Channels   int
}

func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{Binary: "ffmpeg", SampleRate: 48000, Channels: 2}
}

func (d *FFmpegDecoder) Decode(ctx context.Context, blob types.Blob) (PCM, error) {
	if len(blob.Data) == 0 {
		return PCM{}, fmt.Errorf("empty audio")
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "f32le", "-acodec", "pcm_f32le",
		"-ac", strconv.Itoa(d.Channels),
		"-ar", strconv.Itoa(d.SampleRate),
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	cmd.Stdin = bytes.NewReader(blob.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return PCM{}, fmt.Errorf("ffmpeg decode: %w: %s", err, stderr.String())
	}

	raw := stdout.Bytes()
	if len(raw) < 4 {
		return PCM{}, fmt.Errorf("ffmpeg produced no samples")
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return PCM{Samples: samples, SampleRate: d.SampleRate, Channels: d.Channels}, nil
}
