package mixer_test

import (
	"errors"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/mixer"
	"github.com/MrWong99/reelmix/pkg/media/mock"
)

var mono48k = media.Format{SampleRate: 48000, Channels: 1}

// constant returns n samples all equal to v.
func constant(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// waitFor polls cond until it holds or a second elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// nextFrame steps the fake clock one period and returns the emitted frame.
func nextFrame(t *testing.T, clk *testingclock.FakeClock, g *mixer.Graph) media.AudioFrame {
	t.Helper()
	waitFor(t, "ticker registration", clk.HasWaiters)
	clk.Step(g.Period())
	select {
	case f, ok := <-g.Frames():
		if !ok {
			t.Fatal("output closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no mixed frame emitted")
	}
	return media.AudioFrame{}
}

func assertAllSamples(t *testing.T, f media.AudioFrame, want int16) {
	t.Helper()
	n := len(f.Data) / 2
	if n == 0 {
		t.Fatal("empty frame")
	}
	for i := range n {
		if got := media.Sample(f.Data, i); got != want {
			t.Fatalf("sample %d: got %d, want %d", i, got, want)
		}
	}
}

func TestNew_NoInputs(t *testing.T) {
	t.Parallel()
	_, err := mixer.New(mono48k, nil)
	if !errors.Is(err, mixer.ErrNoInputs) {
		t.Fatalf("err = %v, want ErrNoInputs", err)
	}
}

func TestNew_RejectsInvalidFormat(t *testing.T) {
	t.Parallel()
	tr := mock.NewAudioTrack("a", mono48k)
	if _, err := mixer.New(media.Format{SampleRate: 48000, Channels: 6}, []media.AudioTrack{tr}); err == nil {
		t.Fatal("expected error for 6 channels")
	}
	if _, err := mixer.New(media.Format{SampleRate: 0, Channels: 1}, []media.AudioTrack{tr}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestGraph_SingleInputPassthrough(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	tr := mock.NewAudioTrack("a", mono48k)
	g, err := mixer.New(mono48k, []media.AudioTrack{tr}, mixer.WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	tr.Push(constant(960, 1234), 0)
	waitFor(t, "buffered input", func() bool { return g.Buffered() == 1920 })

	f := nextFrame(t, clk, g)
	if f.Format() != mono48k {
		t.Errorf("format = %v, want %v", f.Format(), mono48k)
	}
	if f.Duration() != 20*time.Millisecond {
		t.Errorf("duration = %v, want 20ms", f.Duration())
	}
	assertAllSamples(t, f, 1234)
}

func TestGraph_SumsInputs(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	a := mock.NewAudioTrack("a", mono48k)
	b := mock.NewAudioTrack("b", mono48k)
	g, err := mixer.New(mono48k, []media.AudioTrack{a, b}, mixer.WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	a.Push(constant(960, 1000), 0)
	b.Push(constant(960, -250), 0)
	waitFor(t, "buffered input", func() bool { return g.Buffered() == 2*1920 })

	assertAllSamples(t, nextFrame(t, clk, g), 750)
}

func TestGraph_ClampsOverflow(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	a := mock.NewAudioTrack("a", mono48k)
	b := mock.NewAudioTrack("b", mono48k)
	c := mock.NewAudioTrack("c", mono48k)
	g, err := mixer.New(mono48k, []media.AudioTrack{a, b, c}, mixer.WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	a.Push(constant(960, 30000), 0)
	b.Push(constant(960, 30000), 0)
	c.Push(constant(960, -1000), 0)
	waitFor(t, "buffered input", func() bool { return g.Buffered() == 3*1920 })

	assertAllSamples(t, nextFrame(t, clk, g), 32767)
}

func TestGraph_SilenceWhenStarved(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	a := mock.NewAudioTrack("a", mono48k)
	g, err := mixer.New(mono48k, []media.AudioTrack{a}, mixer.WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	assertAllSamples(t, nextFrame(t, clk, g), 0)
}

func TestGraph_ConvertsInputFormat(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	stereo := media.Format{SampleRate: 48000, Channels: 2}
	a := mock.NewAudioTrack("a", media.Format{SampleRate: 24000, Channels: 1})
	g, err := mixer.New(stereo, []media.AudioTrack{a}, mixer.WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	a.Push(constant(480, 500), 0)
	// 480 mono samples at 24 kHz become 960 stereo frames at 48 kHz.
	waitFor(t, "converted input", func() bool { return g.Buffered() == 960*4 })

	f := nextFrame(t, clk, g)
	if f.Channels != 2 || f.SampleRate != 48000 {
		t.Fatalf("format = %v, want 48000Hz stereo", f.Format())
	}
	assertAllSamples(t, f, 500)
}

func TestGraph_DropsEndedInput(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	a := mock.NewAudioTrack("a", mono48k)
	b := mock.NewAudioTrack("b", mono48k)
	g, err := mixer.New(mono48k, []media.AudioTrack{a, b}, mixer.WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	b.End()
	waitFor(t, "ended input dropped", func() bool { return g.Inputs() == 1 })

	a.Push(constant(960, 42), 0)
	waitFor(t, "buffered input", func() bool { return g.Buffered() == 1920 })
	assertAllSamples(t, nextFrame(t, clk, g), 42)
}

func TestGraph_CloseIdempotent(t *testing.T) {
	t.Parallel()
	a := mock.NewAudioTrack("a", mono48k)
	g, err := mixer.New(mono48k, []media.AudioTrack{a}, mixer.WithClock(testingclock.NewFakeClock(time.Now())))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Closed() {
		t.Fatal("Closed() = true before Close")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !g.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if _, ok := <-g.Frames(); ok {
		t.Fatal("output channel still open after Close")
	}
	if a.ReleaseCount() != 0 {
		t.Errorf("graph released its input %d times, want 0", a.ReleaseCount())
	}
}
