package compositor_test

import (
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/image/draw"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/compositor"
	"github.com/MrWong99/reelmix/pkg/media/mock"
)

func TestGrid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, cols, rows int
	}{
		{0, 0, 0},
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{4, 2, 2},
		{5, 3, 2},
		{9, 3, 3},
		{10, 4, 3},
	}
	for _, tt := range tests {
		cols, rows := compositor.Grid(tt.n)
		if cols != tt.cols || rows != tt.rows {
			t.Errorf("Grid(%d) = %dx%d, want %dx%d", tt.n, cols, rows, tt.cols, tt.rows)
		}
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()
	bounds := image.Rect(0, 0, 1280, 720)

	t.Run("none", func(t *testing.T) {
		if cells := compositor.Layout(0, bounds); len(cells) != 0 {
			t.Fatalf("got %d cells, want 0", len(cells))
		}
	})

	t.Run("single source fills the frame", func(t *testing.T) {
		cells := compositor.Layout(1, bounds)
		if len(cells) != 1 || cells[0] != bounds {
			t.Fatalf("got %v, want [%v]", cells, bounds)
		}
	})

	t.Run("two sources split into equal halves", func(t *testing.T) {
		cells := compositor.Layout(2, bounds)
		want := []image.Rectangle{image.Rect(0, 0, 640, 720), image.Rect(640, 0, 1280, 720)}
		for i := range want {
			if cells[i] != want[i] {
				t.Errorf("cell %d = %v, want %v", i, cells[i], want[i])
			}
		}
	})

	t.Run("five sources fill five of six cells row-major", func(t *testing.T) {
		cells := compositor.Layout(5, image.Rect(0, 0, 1200, 600))
		want := []image.Rectangle{
			image.Rect(0, 0, 400, 300),
			image.Rect(400, 0, 800, 300),
			image.Rect(800, 0, 1200, 300),
			image.Rect(0, 300, 400, 600),
			image.Rect(400, 300, 800, 600),
		}
		if len(cells) != len(want) {
			t.Fatalf("got %d cells, want %d", len(cells), len(want))
		}
		for i := range want {
			if cells[i] != want[i] {
				t.Errorf("cell %d = %v, want %v", i, cells[i], want[i])
			}
		}
	})

	t.Run("cells tile odd extents exactly", func(t *testing.T) {
		cells := compositor.Layout(3, image.Rect(0, 0, 101, 51))
		if cells[1].Max.X != 101 || cells[2].Max.Y != 51 {
			t.Errorf("cells do not reach the far edges: %v", cells)
		}
	})
}

var background = color.RGBA{R: 1, G: 2, B: 3, A: 255}

func newCompositor(t *testing.T, clk *testingclock.FakeClock, tracks ...media.VideoTrack) *compositor.Compositor {
	t.Helper()
	c, err := compositor.New(compositor.Config{Width: 60, Height: 30, FPS: 10, Background: background}, tracks,
		compositor.WithClock(clk),
		compositor.WithScaler(draw.NearestNeighbor),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

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

func tick(t *testing.T, clk *testingclock.FakeClock, c *compositor.Compositor) media.VideoFrame {
	t.Helper()
	waitFor(t, "ticker registration", clk.HasWaiters)
	clk.Step(100 * time.Millisecond)
	select {
	case f, ok := <-c.Frames():
		if !ok {
			t.Fatal("frames closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame produced")
	}
	return media.VideoFrame{}
}

func at(f media.VideoFrame, x, y int) color.RGBA {
	return color.RGBAModel.Convert(f.Image.At(x, y)).(color.RGBA)
}

func TestCompositor_BlankFrameWithoutSources(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	c := newCompositor(t, clk)
	if err := c.Start(func() bool { return true }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	f := tick(t, clk, c)
	if f.Image.Bounds() != image.Rect(0, 0, 60, 30) {
		t.Fatalf("bounds = %v", f.Image.Bounds())
	}
	if got := at(f, 30, 15); got != background {
		t.Errorf("centre = %v, want background %v", got, background)
	}
}

func TestCompositor_SideBySide(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	left := mock.NewSolidVideoTrack("l", 8, 8, mock.Red)
	right := mock.NewSolidVideoTrack("r", 8, 8, mock.Blue)
	c := newCompositor(t, clk, left, right)
	if err := c.Start(func() bool { return true }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	f := tick(t, clk, c)
	if got := at(f, 10, 15); got != mock.Red {
		t.Errorf("left half = %v, want red", got)
	}
	if got := at(f, 50, 15); got != mock.Blue {
		t.Errorf("right half = %v, want blue", got)
	}
}

func TestCompositor_SkipsSourcesWithoutFrame(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	pending := mock.NewVideoTrack("pending")
	ready := mock.NewSolidVideoTrack("ready", 4, 4, mock.Green)
	c := newCompositor(t, clk, pending, ready)
	if err := c.Start(func() bool { return true }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	f := tick(t, clk, c)
	if got := at(f, 5, 5); got != mock.Green {
		t.Errorf("single ready source should fill the frame, got %v at left", got)
	}

	pending.SetFrame(mock.Solid(4, 4, mock.Red))
	f = tick(t, clk, c)
	if got := at(f, 5, 5); got != mock.Red {
		t.Errorf("newly ready source should take the left half, got %v", got)
	}
	if got := at(f, 55, 5); got != mock.Green {
		t.Errorf("right half = %v, want green", got)
	}
}

func TestCompositor_DropsEndedTrack(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	a := mock.NewSolidVideoTrack("a", 4, 4, mock.Red)
	b := mock.NewSolidVideoTrack("b", 4, 4, mock.Blue)
	c := newCompositor(t, clk, a, b)
	if err := c.Start(func() bool { return true }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	a.End()
	f := tick(t, clk, c)
	if got := at(f, 5, 5); got != mock.Blue {
		t.Errorf("remaining source should fill the frame, got %v", got)
	}
}

func TestCompositor_StopsOnInactiveTick(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	var recording atomic.Bool
	recording.Store(true)
	var observed atomic.Int64
	c, err := compositor.New(compositor.Config{Width: 16, Height: 16, FPS: 10}, nil,
		compositor.WithClock(clk),
		compositor.WithTickFunc(func(int, time.Duration) { observed.Add(1) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(recording.Load); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tick(t, clk, c)
	recording.Store(false)
	clk.Step(100 * time.Millisecond)

	waitFor(t, "loop exit", func() bool { return !c.Running() })
	for range c.Frames() {
	}
	clk.Step(100 * time.Millisecond)
	if c.Ticks() != 1 || observed.Load() != 1 {
		t.Errorf("ticks = %d, observed = %d, want 1/1", c.Ticks(), observed.Load())
	}
	c.Stop()
}

func TestCompositor_StopBeforeStart(t *testing.T) {
	t.Parallel()
	c := newCompositor(t, testingclock.NewFakeClock(time.Now()))
	c.Stop()
	c.Stop()
	if c.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := c.Start(func() bool { return true }); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if err := compositor.DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := (compositor.Config{Width: 0, Height: 10, FPS: 0}).Validate(); err == nil {
		t.Fatal("expected error")
	}
}
