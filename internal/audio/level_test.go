package audio

import (
	"math"
	"testing"
)

func TestRMS_Empty(t *testing.T) {
	if got := RMS(nil); got != 0.0 {
		t.Errorf("Expected 0.0 for empty samples, got %v", got)
	}
}

func TestRMS_ConstantAmplitude(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 1000
	}

	got := RMS(samples)
	if math.Abs(got-1000.0) > 0.001 {
		t.Errorf("Expected RMS 1000.0 for constant amplitude, got %v", got)
	}
}

func TestRMSBytes_MatchesSampleRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}

	want := RMS(samples) / 32768.0
	got := RMSBytes(pcm)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected normalized RMS %v, got %v", want, got)
	}
}

func TestRMSBytes_Empty(t *testing.T) {
	if got := RMSBytes(nil); got != 0.0 {
		t.Errorf("Expected 0.0 for empty buffer, got %v", got)
	}
	// A single trailing byte is not a sample
	if got := RMSBytes([]byte{0x7f}); got != 0.0 {
		t.Errorf("Expected 0.0 for odd single byte, got %v", got)
	}
}

func TestRMSBytes_FullScale(t *testing.T) {
	// Alternating +/- full scale should normalize close to 1.0
	pcm := make([]byte, 200)
	for i := 0; i < 100; i++ {
		pcm[i*2] = 0xff
		pcm[i*2+1] = 0x7f // 32767
	}

	got := RMSBytes(pcm)
	if got < 0.99 || got > 1.0 {
		t.Errorf("Expected near full-scale RMS, got %v", got)
	}
}
