package audio

import "math"

// RMS calculates the root mean square amplitude of 16-bit samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// RMSBytes calculates the RMS of raw PCM16LE bytes, normalized to [0,1]
// where 1.0 is full-scale amplitude. A trailing odd byte is ignored.
func RMSBytes(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0.0
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}

	return math.Sqrt(sum/float64(n)) / 32768.0
}
