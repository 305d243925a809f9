package audio

import (
	"context"
	"math"
	"strings"

	"voicememo-go/internal/logger"
	"voicememo-go/internal/types"
)

// TargetSampleRate is what the ASR provider decodes most reliably.
const TargetSampleRate = 16000

// PCM is decoded audio as interleaved float samples in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Decoder turns an encoded blob into raw samples.
type Decoder interface {
	Decode(ctx context.Context, blob types.Blob) (PCM, error)
}

// Normalizer rewrites opus-family recordings as 16 kHz mono PCM WAV.
// It never fails: on any problem the input blob is returned unchanged.
type Normalizer struct {
	decoder Decoder
	log     *logger.Logger
}

func NewNormalizer(d Decoder, log *logger.Logger) *Normalizer {
	return &Normalizer{decoder: d, log: logger.OrDiscard(log).Component("audio-normalizer")}
}

// NeedsTranscode reports whether mime names a lossy codec the ASR provider
// rejects. Browsers record opus inside webm or ogg.
func NeedsTranscode(mime string) bool {
	m := strings.ToLower(mime)
	return strings.Contains(m, "opus") || strings.Contains(m, "webm") || strings.Contains(m, "ogg")
}

func (n *Normalizer) Normalize(ctx context.Context, blob types.Blob) types.Blob {
	if n == nil || n.decoder == nil || !NeedsTranscode(blob.MimeType) {
		return blob
	}
	log := n.log.WithField("mime_type", blob.MimeType).WithField("size", len(blob.Data))

	pcm, err := n.decoder.Decode(ctx, blob)
	if err != nil {
		log.WithField("error", err.Error()).Warn("decode failed, keeping original audio")
		return blob
	}
	mono := Downmix(pcm.Samples, pcm.Channels)
	resampled := Resample(mono, pcm.SampleRate, TargetSampleRate)

	data, err := EncodeWAV(Quantize(resampled), TargetSampleRate, 1)
	if err != nil {
		log.WithField("error", err.Error()).Warn("wav encode failed, keeping original audio")
		return blob
	}
	log.WithField("wav_size", len(data)).Info("converted to 16kHz mono wav")
	return types.Blob{Data: data, MimeType: "audio/wav"}
}

// Downmix averages interleaved channels into one.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
// The output holds floor(len * to / from) samples.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, outLen)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// Quantize clamps to [-1, 1] and scales to signed 16-bit, using 32768 for
// negative and 32767 for positive samples, rounding half away from zero.
func Quantize(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = quantizeSample(float64(s))
	}
	return out
}

func quantizeSample(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-1, math.Min(1, v))
	if v < 0 {
		return int(math.Round(v * 32768))
	}
	return int(math.Round(v * 32767))
}
