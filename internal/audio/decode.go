// Package audio turns staged audio files into the mono 16kHz float32
// samples whisper.cpp consumes.
package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SampleRate is the rate whisper.cpp expects.
const SampleRate = 16000

// ErrNotWAV is returned by DecodeWAV for input without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a WAV file")

// DecodeWAV reads PCM WAV data and returns mono samples at SampleRate,
// normalized to [-1.0, 1.0]. Multi-channel input is averaged and other
// sample rates are linearly resampled.
func DecodeWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("audio: rewind: %w", err)
	}
	dec = wav.NewDecoder(r)

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, errors.New("audio: empty wav data")
	}
	if buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", buf.Format.SampleRate)
	}
	if buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", buf.Format.NumChannels)
	}

	mono := downmix(normalize(buf), buf.Format.NumChannels)
	return resample(mono, buf.Format.SampleRate, SampleRate), nil
}

// normalize scales integer PCM to [-1.0, 1.0] using the source bit depth.
func normalize(buf *goaudio.IntBuffer) []float32 {
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))

	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		s := float32(v) / scale
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = s
	}
	return out
}

// downmix averages interleaved frames into a single channel.
func downmix(samples []float32, channels int) []float32 {
	if channels == 1 {
		return samples
	}
	mono := make([]float32, len(samples)/channels)
	for i := range mono {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// resample converts between rates with linear interpolation, which is
// adequate for speech.
func resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 {
		return in
	}
	ratio := float64(to) / float64(from)
	out := make([]float32, (len(in)*to+from-1)/from)
	for i := range out {
		pos := float64(i) / ratio
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		t := float32(pos - float64(j))
		out[i] = (1-t)*in[j] + t*in[j+1]
	}
	return out
}

// Duration returns the length in seconds of samples at SampleRate.
func Duration(samples []float32) float64 {
	return float64(len(samples)) / SampleRate
}

// EncodeWAV writes mono 16-bit PCM WAV data at the given sample rate.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finish wav: %w", err)
	}
	return nil
}
