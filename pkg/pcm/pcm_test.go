package pcm_test

import (
	"encoding/binary"
	"testing"

	"github.com/callmedia/orchestrator/pkg/pcm"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestCodecName(t *testing.T) {
	cases := map[int]string{
		8000: "slin", 16000: "slin16", 24000: "slin24", 32000: "slin32",
		44100: "slin44", 48000: "slin48", 96000: "slin96", 192000: "slin192",
	}
	for rate, want := range cases {
		got, ok := pcm.CodecName(rate)
		if !ok || got != want {
			t.Errorf("CodecName(%d) = %q, %v; want %q, true", rate, got, ok, want)
		}
	}
	if _, ok := pcm.CodecName(22050); ok {
		t.Errorf("CodecName(22050) should have no exact mapping")
	}
}

func TestResolveCodec_NearestLower(t *testing.T) {
	rate, codec := pcm.ResolveCodec(22050)
	if rate != 16000 || codec != "slin16" {
		t.Errorf("ResolveCodec(22050) = %d, %q; want 16000, slin16", rate, codec)
	}
	rate, codec = pcm.ResolveCodec(4000)
	if rate != 8000 || codec != "slin" {
		t.Errorf("ResolveCodec(4000) = %d, %q; want 8000, slin (floor at lowest rate)", rate, codec)
	}
}

func TestDownmixStereoToMono(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := pcm.DownmixStereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmixStereoToMono_Clamps(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := pcm.DownmixStereoToMono(stereo)
	got := bytesToSamples(mono)
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767 (clamped)", got[0])
	}
}

func TestResampleLinear_Identity(t *testing.T) {
	pcmData := samplesToBytes([]int16{1, 2, 3, 4, 5})
	out := pcm.ResampleLinear(pcmData, 16000, 16000)
	if string(out) != string(pcmData) {
		t.Errorf("ResampleLinear(x, r, r) must equal x")
	}
}

func TestResampleLinear_Downsample(t *testing.T) {
	src := samplesToBytes(make([]int16, 1600)) // 100ms at 16kHz
	out := pcm.ResampleLinear(src, 16000, 8000)
	wantSamples := 800
	if len(out)/2 != wantSamples {
		t.Errorf("resampled length = %d samples, want %d", len(out)/2, wantSamples)
	}
}

func TestWiden8To16(t *testing.T) {
	// 128 is the zero point for unsigned 8-bit PCM.
	out := pcm.Widen8To16([]byte{128, 255, 0})
	got := bytesToSamples(out)
	want := []int16{0, 32512, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestParseEncodeRoundTrip(t *testing.T) {
	pcmData := samplesToBytes([]int16{1, -1, 1000, -1000, 32767, -32768})
	w := pcm.WAV{SampleRate: 16000, Channels: 1, BitsPerSample: 16, Data: pcmData}
	wav := pcm.Encode(w)

	parsed, err := pcm.Parse(wav)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.SampleRate != 16000 || parsed.Channels != 1 || parsed.BitsPerSample != 16 {
		t.Fatalf("format mismatch: %+v", parsed)
	}
	if string(parsed.Data) != string(pcmData) {
		t.Errorf("round trip did not produce byte-identical PCM")
	}
}

func TestParse_RejectsNonWAV(t *testing.T) {
	if _, err := pcm.Parse([]byte("not a wav file at all")); err == nil {
		t.Errorf("expected error for non-WAV input")
	}
}

func TestToSlinPCM_MonoSixteenAlreadySlin(t *testing.T) {
	pcmData := samplesToBytes([]int16{1, 2, 3})
	w := pcm.WAV{SampleRate: 16000, Channels: 1, BitsPerSample: 16, Data: pcmData}
	out, rate, codec := pcm.ToSlinPCM(w)
	if rate != 16000 || codec != "slin16" {
		t.Errorf("got rate=%d codec=%q", rate, codec)
	}
	if string(out) != string(pcmData) {
		t.Errorf("mono 16-bit slin-rate PCM should pass through unchanged")
	}
}

func TestToSlinPCM_StereoNonStandardRate(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 200, 300, 400})
	w := pcm.WAV{SampleRate: 22050, Channels: 2, BitsPerSample: 16, Data: stereo}
	out, rate, codec := pcm.ToSlinPCM(w)
	if rate != 16000 || codec != "slin16" {
		t.Errorf("got rate=%d codec=%q, want 16000/slin16", rate, codec)
	}
	if len(out) == 0 {
		t.Errorf("expected non-empty output PCM")
	}
}
