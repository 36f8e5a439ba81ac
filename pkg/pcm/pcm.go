// Package pcm implements the WAV-to-PCM conversion utilities the
// orchestrator needs for the TTS speak path: RIFF/WAVE header parsing,
// stereo→mono downmix, 8→16-bit widening, linear-interpolation resampling,
// and the sample-rate → switch "slin" codec name mapping.
//
// This is plain, allocation-light byte-slice manipulation with no external
// dependency: RIFF/WAVE parsing and slin naming are both switch-specific
// enough that no general-purpose audio library fits cleanly, so the math
// is hand-rolled here.
package pcm

import (
	"encoding/binary"
	"fmt"
)

// StandardRates lists the sample rates (Hz) the switch has an exact slin
// codec name for, in ascending order.
var StandardRates = []int{8000, 16000, 24000, 32000, 44100, 48000, 96000, 192000}

var slinNames = map[int]string{
	8000:   "slin",
	16000:  "slin16",
	24000:  "slin24",
	32000:  "slin32",
	44100:  "slin44",
	48000:  "slin48",
	96000:  "slin96",
	192000: "slin192",
}

// CodecName returns the switch's slin codec name for an exact standard rate,
// and false if rate has no exact mapping.
func CodecName(rate int) (string, bool) {
	name, ok := slinNames[rate]
	return name, ok
}

// NearestLowerStandardRate returns the largest standard rate that is ≤ rate.
// If rate is below the lowest standard rate (8000 Hz), 8000 is returned —
// there is no lower slin codec to fall back to.
func NearestLowerStandardRate(rate int) int {
	best := StandardRates[0]
	for _, r := range StandardRates {
		if r <= rate {
			best = r
		} else {
			break
		}
	}
	return best
}

// ResolveCodec returns the slin codec name for rate, resampling down to the
// nearest lower standard rate first if rate has no exact mapping. It returns the resolved rate alongside the name so
// callers know whether resampling is required.
func ResolveCodec(rate int) (resolvedRate int, codec string) {
	if name, ok := CodecName(rate); ok {
		return rate, name
	}
	resolvedRate = NearestLowerStandardRate(rate)
	return resolvedRate, slinNames[resolvedRate]
}

// WAV is a parsed RIFF/WAVE file: its format parameters and raw PCM payload.
type WAV struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Data          []byte
}

// Parse reads a RIFF/WAVE container and returns its format plus raw PCM
// bytes. It accepts the PCM format tag (1) and the WAVE_FORMAT_EXTENSIBLE
// tag (0xFFFE); the extensible subformat is not checked. Any other format
// tag is rejected with an error, as is malformed input or a bit depth
// other than 8 or 16.
func Parse(b []byte) (WAV, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return WAV{}, fmt.Errorf("pcm: not a RIFF/WAVE file")
	}

	var (
		haveFmt       bool
		formatTag     uint16
		channels      int
		sampleRate    int
		bitsPerSample int
		data          []byte
		haveData      bool
	)

	off := 12
	for off+8 <= len(b) {
		chunkID := string(b[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		bodyStart := off + 8
		bodyEnd := bodyStart + chunkSize
		if bodyEnd > len(b) {
			bodyEnd = len(b)
		}

		switch chunkID {
		case "fmt ":
			if bodyEnd-bodyStart < 16 {
				return WAV{}, fmt.Errorf("pcm: fmt chunk too short")
			}
			body := b[bodyStart:bodyEnd]
			formatTag = binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
		case "data":
			data = b[bodyStart:bodyEnd]
			haveData = true
		}

		// Chunks are word-aligned: a chunk with an odd size has one pad byte.
		off = bodyEnd
		if chunkSize%2 == 1 {
			off++
		}
	}

	if !haveFmt {
		return WAV{}, fmt.Errorf("pcm: missing fmt chunk")
	}
	if !haveData {
		return WAV{}, fmt.Errorf("pcm: missing data chunk")
	}
	// 1 = PCM, 0xFFFE = WAVE_FORMAT_EXTENSIBLE (subformat not distinguished
	// further here — the slin pipeline only ever needs linear PCM, and the
	// reference TTS server never emits anything else under extensible tags).
	if formatTag != 1 && formatTag != 0xFFFE {
		return WAV{}, fmt.Errorf("pcm: unsupported wav format tag %d", formatTag)
	}
	if channels <= 0 || sampleRate <= 0 || (bitsPerSample != 8 && bitsPerSample != 16) {
		return WAV{}, fmt.Errorf("pcm: unsupported format (channels=%d rate=%d bits=%d)", channels, sampleRate, bitsPerSample)
	}

	return WAV{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: bitsPerSample,
		Data:          data,
	}, nil
}

// Encode wraps w's PCM payload in a minimal canonical RIFF/WAVE header.
// Encode(Parse(b)) round-trips byte-identical PCM for any mono 16-bit input.
func Encode(w WAV) []byte {
	dataLen := len(w.Data)
	blockAlign := w.Channels * (w.BitsPerSample / 8)
	byteRate := w.SampleRate * blockAlign

	buf := make([]byte, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(w.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(w.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(w.BitsPerSample))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	copy(buf[44:], w.Data)
	return buf
}

// Widen8To16 converts 8-bit unsigned PCM (WAV's native 8-bit representation)
// to 16-bit signed little-endian PCM.
func Widen8To16(pcm []byte) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		// 8-bit WAV samples are unsigned with 128 as the zero point.
		v := int16(int(s)-128) << 8
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DownmixStereoToMono averages interleaved L+R int16 little-endian samples
// into mono, clamped to the int16 range. The i-th mono sample equals
// round((L_i + R_i) / 2).
func DownmixStereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(uint16(pcm[i*4]) | uint16(pcm[i*4+1])<<8))
		r := int32(int16(uint16(pcm[i*4+2]) | uint16(pcm[i*4+3])<<8))
		// Round half away from zero; Go's integer division truncates.
		sum := l + r
		var avg int32
		if sum >= 0 {
			avg = (sum + 1) / 2
		} else {
			avg = (sum - 1) / 2
		}
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleLinear resamples 16-bit mono little-endian PCM from srcRate to
// dstRate using linear interpolation. ResampleLinear(x, r, r) returns x
// unchanged.
func ResampleLinear(pcm []byte, srcRate, dstRate int) []byte {
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

	sampleAt := func(i int) int16 {
		return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		s0 := sampleAt(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(idx + 1)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ToSlinPCM normalises a parsed WAV to mono 16-bit PCM at a rate with an
// exact slin mapping, downmixing/widening/resampling as needed. It returns
// the resulting PCM, the resolved sample rate, and the slin codec name.
func ToSlinPCM(w WAV) (pcm []byte, rate int, codec string) {
	data := w.Data

	if w.BitsPerSample == 8 {
		data = Widen8To16(data)
	}
	if w.Channels > 1 {
		// Only the stereo→mono case is handled because the switch and every
		// upstream TTS server in scope only ever emit mono or stereo WAV.
		data = DownmixStereoToMono(data)
	}

	rate, codec = ResolveCodec(w.SampleRate)
	if rate != w.SampleRate {
		data = ResampleLinear(data, w.SampleRate, rate)
	}
	return data, rate, codec
}
