package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/voxline/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResample_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.Resample(pcm, 8000, 8000)
	// Same slice — pointer equality check.
	if &out[0] != &pcm[0] {
		t.Error("expected same slice (zero allocation) for matching rates")
	}
}

func TestResample_Upsample(t *testing.T) {
	// 2 samples at 8kHz → 4 samples at 16kHz (2x), the PBX→STT direction.
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.Resample(pcm, 8000, 16000)
	got := bytesToSamples(out)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	// First output sample should equal first source sample.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Interpolated sample halfway between the two sources.
	if got[1] != 1500 {
		t.Errorf("interpolated sample: got %d, want 1500", got[1])
	}
	// Last output sample should be close to last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResample_Downsample(t *testing.T) {
	// 4 samples at 16kHz → 2 samples at 8kHz (1/2x), the TTS→PBX direction.
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.Resample(pcm, 16000, 8000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample: got %d, want 100", got[0])
	}
}

func TestResample_FractionalRatio(t *testing.T) {
	// 22050 Hz → 8000 Hz, a synthesizer rate that does not divide evenly.
	pcm := samplesToBytes(make([]int16, 2205))
	out := audio.Resample(pcm, 22050, 8000)
	got := bytesToSamples(out)
	if len(got) != 800 {
		t.Fatalf("expected 800 samples for 100ms at 8kHz, got %d", len(got))
	}
}

func TestResample_InvalidRates(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	// Zero srcRate should return input unchanged.
	out := audio.Resample(pcm, 0, 16000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	// Zero dstRate should return input unchanged.
	out = audio.Resample(pcm, 16000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	// Negative rates should return input unchanged.
	out = audio.Resample(pcm, -1, 16000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestResample_TinyInput(t *testing.T) {
	// Less than one sample passes through; a downsample that would produce
	// zero samples returns nil.
	if out := audio.Resample([]byte{1}, 8000, 16000); len(out) != 1 {
		t.Errorf("sub-sample input: got len %d, want 1", len(out))
	}
	pcm := samplesToBytes([]int16{100})
	if out := audio.Resample(pcm, 48000, 8000); out != nil {
		t.Errorf("vanishing downsample: got len %d, want nil", len(out))
	}
}
