package audioio

import "math"

// Resample converts float samples from one rate to another by block averaging.
// Each output sample is the mean of the native samples whose time range maps
// to it. When the rates are equal the input is returned unchanged.
//
// When upsampling an output slot can map to no native sample; it then holds
// the nearest preceding sample.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return samples
	}
	if len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	newLen := int(math.Round(float64(len(samples)) / ratio))
	if newLen == 0 {
		return []float32{}
	}

	result := make([]float32, newLen)
	offset := 0
	for i := 0; i < newLen; i++ {
		next := int(math.Round(float64(i+1) * ratio))
		if next > len(samples) {
			next = len(samples)
		}

		if next <= offset {
			idx := offset
			if idx >= len(samples) {
				idx = len(samples) - 1
			}
			result[i] = samples[idx]
			continue
		}

		var sum float64
		for _, s := range samples[offset:next] {
			sum += float64(s)
		}
		result[i] = float32(sum / float64(next-offset))
		offset = next
	}

	return result
}

// Quantize converts one float sample to PCM16 with symmetric clipping.
// Values are clamped to [-1, 1]; negatives scale by 32768 and the rest by
// 32767, truncating toward zero.
func Quantize(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// FloatToPCM16 quantizes float samples into little-endian PCM16 bytes.
func FloatToPCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		q := Quantize(s)
		data[i*2] = byte(q)
		data[i*2+1] = byte(q >> 8)
	}
	return data
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// CalculateRMS calculates the root mean square level of PCM16 bytes.
// Returns a value between 0.0 and 1.0.
func CalculateRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
