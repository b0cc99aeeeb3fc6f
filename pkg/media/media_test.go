package media_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/mock"
)

func TestSource_ReleaseAttemptsEveryTrack(t *testing.T) {
	t.Parallel()
	v := mock.NewVideoTrack("cam")
	v.ReleaseError = errors.New("busy")
	a := mock.NewAudioTrack("mic", media.Format{SampleRate: 48000, Channels: 1})

	err := media.Source{ID: "alice", Video: v, Audio: a}.Release()
	if err == nil {
		t.Fatal("expected release error")
	}
	if !errors.Is(err, v.ReleaseError) {
		t.Errorf("error %v does not wrap the track error", err)
	}
	if v.ReleaseCount() != 1 || a.ReleaseCount() != 1 {
		t.Errorf("release counts = %d/%d, want 1/1", v.ReleaseCount(), a.ReleaseCount())
	}
}

func TestSource_TrackIDs(t *testing.T) {
	t.Parallel()
	src := media.Source{ID: "bob", Audio: mock.NewAudioTrack("mic", media.Format{SampleRate: 48000, Channels: 1})}
	ids := src.TrackIDs()
	if len(ids) != 1 || ids[0] != "mic" {
		t.Errorf("TrackIDs() = %v, want [mic]", ids)
	}
}

func TestSortSources_Stable(t *testing.T) {
	t.Parallel()
	in := []media.Source{
		{ID: "c", Order: 2},
		{ID: "a", Order: 1},
		{ID: "b", Order: 1},
	}
	out := media.SortSources(in)
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if out[i].ID != id {
			t.Fatalf("position %d: got %q, want %q", i, out[i].ID, id)
		}
	}
	if in[0].ID != "c" {
		t.Error("SortSources modified its input")
	}
}

func TestSortSources_ExtremeOrders(t *testing.T) {
	t.Parallel()
	out := media.SortSources([]media.Source{
		{ID: "last", Order: math.MaxInt},
		{ID: "first", Order: math.MinInt},
		{ID: "middle", Order: 0},
	})
	for i, id := range []string{"first", "middle", "last"} {
		if out[i].ID != id {
			t.Fatalf("position %d: got %q, want %q", i, out[i].ID, id)
		}
	}
}

func TestAssemble(t *testing.T) {
	t.Parallel()
	out := media.Assemble(nil, nil)
	if out.HasAudio() {
		t.Error("HasAudio() = true with nil audio stream")
	}
}

func TestEnumsString(t *testing.T) {
	t.Parallel()
	if media.RoleRemote.String() != "remote" || media.RoleLocal.String() != "local" {
		t.Error("unexpected role names")
	}
	if media.TrackEnded.String() != "ended" || media.TrackLive.String() != "live" {
		t.Error("unexpected track state names")
	}
}
