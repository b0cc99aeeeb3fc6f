package media_test

import (
	"testing"
	"time"

	"github.com/MrWong99/reelmix/pkg/media"
)

func pcm(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		media.PutSample(buf, i, s)
	}
	return buf
}

func samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = media.Sample(b, i)
	}
	return out
}

func equal(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	equal(t, samples(media.MonoToStereo(pcm(100, -200, 300))), []int16{100, 100, -200, -200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	equal(t, samples(media.StereoToMono(pcm(100, 200, -100, -200))), []int16{150, -150})
	equal(t, samples(media.StereoToMono(pcm(32767, 32767))), []int16{32767})
}

func TestClamp16(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   int32
		want int16
	}{
		{0, 0},
		{32767, 32767},
		{40000, 32767},
		{-32768, -32768},
		{-50000, -32768},
	}
	for _, tt := range tests {
		if got := media.Clamp16(tt.in); got != tt.want {
			t.Errorf("Clamp16(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestResample16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		in := pcm(1, 2, 3)
		if out := media.Resample16(in, 1, 48000, 48000); len(out) != len(in) {
			t.Fatalf("length changed: %d -> %d", len(in), len(out))
		}
	})

	t.Run("upsample doubles frames", func(t *testing.T) {
		out := media.Resample16(pcm(0, 100), 1, 24000, 48000)
		equal(t, samples(out), []int16{0, 50, 100, 100})
	})

	t.Run("stereo keeps channels apart", func(t *testing.T) {
		out := media.Resample16(pcm(10, -10, 10, -10), 2, 48000, 24000)
		equal(t, samples(out), []int16{10, -10})
	})
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()
	conv := media.FormatConverter{Target: media.Format{SampleRate: 48000, Channels: 2}}

	t.Run("matching format is passed through", func(t *testing.T) {
		in := media.AudioFrame{Data: pcm(1, 2), SampleRate: 48000, Channels: 2}
		out := conv.Convert(in)
		if &out.Data[0] != &in.Data[0] {
			t.Error("expected zero-copy passthrough")
		}
	})

	t.Run("odd byte count is dropped", func(t *testing.T) {
		out := conv.Convert(media.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 2, Timestamp: time.Second})
		if out.Data != nil {
			t.Errorf("expected nil data, got %d bytes", len(out.Data))
		}
		if out.Timestamp != time.Second {
			t.Errorf("timestamp = %v, want 1s", out.Timestamp)
		}
	})

	t.Run("mono 24k becomes stereo 48k", func(t *testing.T) {
		out := conv.Convert(media.AudioFrame{Data: pcm(7, 7), SampleRate: 24000, Channels: 1})
		if out.Format() != conv.Target {
			t.Fatalf("format = %v, want %v", out.Format(), conv.Target)
		}
		equal(t, samples(out.Data), []int16{7, 7, 7, 7, 7, 7, 7, 7})
	})
}

func TestFormat(t *testing.T) {
	t.Parallel()
	f := media.Format{SampleRate: 48000, Channels: 2}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := f.BytesPer(20 * time.Millisecond); got != 3840 {
		t.Errorf("BytesPer(20ms) = %d, want 3840", got)
	}
	if got := f.String(); got != "48000Hz stereo" {
		t.Errorf("String() = %q", got)
	}
	if err := (media.Format{SampleRate: 48000, Channels: 3}).Validate(); err == nil {
		t.Error("expected error for 3 channels")
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()
	f := media.AudioFrame{Data: make([]byte, 1920), SampleRate: 48000, Channels: 1}
	if f.Duration() != 20*time.Millisecond {
		t.Errorf("Duration() = %v, want 20ms", f.Duration())
	}
	if (media.AudioFrame{}).Duration() != 0 {
		t.Error("zero frame should have zero duration")
	}
}
