package app

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/testsrc"
)

// ErrInvalidParticipants is returned by [SyntheticSources.Open] for
// malformed participant lists.
var ErrInvalidParticipants = errors.New("app: invalid participants")

// ParticipantSpec describes one participant of a recording request.
type ParticipantSpec struct {
	ID      string `json:"id"`
	Video   bool   `json:"video"`
	Audio   bool   `json:"audio"`
	Pattern string `json:"pattern,omitempty"`
	Remote  bool   `json:"remote,omitempty"`
}

// SourceSet is what a [SourceProvider] hands to a recording. Close is called
// once the recording has ended and released every track.
type SourceSet struct {
	Sources []media.Source
	Close   func()
}

func (s SourceSet) close() {
	if s.Close != nil {
		s.Close()
	}
}

// SourceProvider turns participant specs into live tracks. The provider
// keeps owning the underlying devices or transports.
type SourceProvider interface {
	Open(ctx context.Context, participants []ParticipantSpec) (SourceSet, error)
}

// SyntheticSources serves every participant from pkg/media/testsrc
// generators. It is the provider used when no transport is attached.
type SyntheticSources struct {
	Width  int
	Height int
	FPS    int
	Format media.Format
	Clock  clock.WithTicker
}

// Open implements [SourceProvider]. Participant IDs must be unique and
// non-empty; a participant asking for neither video nor audio gets both.
func (p SyntheticSources) Open(ctx context.Context, participants []ParticipantSpec) (SourceSet, error) {
	if err := validateParticipants(participants); err != nil {
		return SourceSet{}, err
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	parts := make([]*testsrc.Participant, 0, len(participants))
	set := SourceSet{}
	for i, want := range participants {
		pattern := testsrc.PatternMovingBox
		if want.Pattern != "" {
			var ok bool
			if pattern, ok = testsrc.ParsePattern(want.Pattern); !ok {
				cancel()
				for _, part := range parts {
					part.End()
				}
				return SourceSet{}, fmt.Errorf("%w: participant %q: unknown pattern %q", ErrInvalidParticipants, want.ID, want.Pattern)
			}
		}
		video, audio := want.Video, want.Audio
		if !video && !audio {
			video, audio = true, true
		}
		part := testsrc.NewParticipant(want.ID, i, testsrc.ParticipantConfig{
			Video:   video,
			Audio:   audio,
			Pattern: pattern,
			Width:   p.Width,
			Height:  p.Height,
			FPS:     p.FPS,
			Format:  p.Format,
		}, testsrc.WithClock(clk))
		part.Start(genCtx)
		parts = append(parts, part)

		src := part.Source(i)
		if want.Remote {
			src.Role = media.RoleRemote
		}
		set.Sources = append(set.Sources, src)
	}
	set.Close = func() {
		cancel()
		for _, part := range parts {
			part.End()
		}
	}
	return set, nil
}

func validateParticipants(participants []ParticipantSpec) error {
	seen := make(map[string]bool, len(participants))
	var errs []error
	for i, want := range participants {
		switch {
		case want.ID == "":
			errs = append(errs, fmt.Errorf("participants[%d]: id is required", i))
		case seen[want.ID]:
			errs = append(errs, fmt.Errorf("participants[%d]: duplicate id %q", i, want.ID))
		}
		seen[want.ID] = true
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidParticipants}, errs...)...)
	}
	return nil
}
