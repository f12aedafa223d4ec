package audio

// G.711 mu-law companding. The lossy half of the frame compressor: 16-bit
// PCM maps to 8 bits per sample before entering the deflate stage.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = buildMulawDecodeTable()

// EncodeMulaw compands 16-bit PCM samples to 8-bit mu-law.
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = mulawEncodeSample(s)
	}
	return out
}

// DecodeMulaw expands 8-bit mu-law bytes back to 16-bit PCM.
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = mulawDecodeTable[b]
	}
	return out
}

func mulawEncodeSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := 7
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(uint(exponent)+3)) & 0x0F

	return ^(sign | byte(exponent)<<4 | mantissa)
}

func buildMulawDecodeTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		b := ^byte(i)
		exponent := (b >> 4) & 0x07
		mantissa := b & 0x0F
		t := (int32(mantissa)<<3 + mulawBias) << exponent
		if b&0x80 != 0 {
			table[i] = int16(mulawBias - t)
		} else {
			table[i] = int16(t - mulawBias)
		}
	}
	return table
}
