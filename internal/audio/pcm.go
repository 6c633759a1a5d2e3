package audio

import "time"

// BytesPerSample is the size of one 16-bit PCM sample.
const BytesPerSample = 2

// Samples converts raw little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func Samples(data []byte) []int16 {
	n := len(data) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// Bytes converts int16 samples to raw little-endian PCM bytes.
func Bytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Duration returns the play time of n bytes of 16-bit mono PCM at the given
// sample rate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
