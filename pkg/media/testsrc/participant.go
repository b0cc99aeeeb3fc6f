package testsrc

import (
	"context"
	"fmt"
	"image/color"

	"github.com/MrWong99/reelmix/pkg/media"
)

var palette = []color.RGBA{
	{R: 200, G: 60, B: 60, A: 255},
	{R: 60, G: 160, B: 80, A: 255},
	{R: 60, G: 90, B: 200, A: 255},
	{R: 200, G: 160, B: 40, A: 255},
	{R: 140, G: 60, B: 180, A: 255},
	{R: 40, G: 170, B: 170, A: 255},
}

// Participant bundles a synthetic camera and microphone.
type Participant struct {
	ID    string
	Video *Video
	Audio *Tone
}

// ParticipantConfig controls which tracks [NewParticipant] creates.
type ParticipantConfig struct {
	Video   bool
	Audio   bool
	Pattern Pattern
	Width   int
	Height  int
	FPS     int
	Format  media.Format
}

// NewParticipant creates a synthetic participant. index picks a distinct
// colour and tone frequency so mixed output stays distinguishable.
func NewParticipant(id string, index int, cfg ParticipantConfig, opts ...Option) *Participant {
	p := &Participant{ID: id}
	if cfg.Video {
		p.Video = NewVideo(fmt.Sprintf("%s-video", id), VideoConfig{
			Width:   cfg.Width,
			Height:  cfg.Height,
			FPS:     cfg.FPS,
			Pattern: cfg.Pattern,
			Color:   palette[index%len(palette)],
		}, opts...)
	}
	if cfg.Audio {
		p.Audio = NewTone(fmt.Sprintf("%s-audio", id), ToneConfig{
			Frequency: 220 * float64(index+2) / 2,
			Format:    cfg.Format,
		}, opts...)
	}
	return p
}

// Source returns the participant as a recording source at the given order.
func (p *Participant) Source(order int) media.Source {
	src := media.Source{ID: p.ID, Role: media.RoleLocal, Order: order}
	if p.Video != nil {
		src.Video = p.Video
	}
	if p.Audio != nil {
		src.Audio = p.Audio
	}
	return src
}

// Start starts every generator.
func (p *Participant) Start(ctx context.Context) {
	if p.Video != nil {
		p.Video.Start(ctx)
	}
	if p.Audio != nil {
		p.Audio.Start(ctx)
	}
}

// End ends every track.
func (p *Participant) End() {
	if p.Video != nil {
		p.Video.End()
	}
	if p.Audio != nil {
		p.Audio.End()
	}
}
