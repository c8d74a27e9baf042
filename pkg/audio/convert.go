package audio

// Resample converts 16-bit little-endian mono PCM from srcRate to dstRate by
// linear interpolation. Both rate changes the callbot performs are mono: the
// 8 kHz telephony leg up to the transcriber's 16 kHz, and a synthesizer's
// output back down to the wire rate. When the rates match, or either rate is
// invalid, the input is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		a := sampleAt(pcm, idx)
		b := a
		if idx+1 < srcSamples {
			b = sampleAt(pcm, idx+1)
		}

		s := int16(float64(a) + (float64(b)-float64(a))*frac)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func sampleAt(pcm []byte, idx int) int16 {
	return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
}
