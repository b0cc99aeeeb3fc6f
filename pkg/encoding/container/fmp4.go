package container

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/opus"
)

const (
	fmp4VideoTrackID   = 1
	fmp4AudioTrackID   = 2
	fmp4VideoTimeScale = 90000
)

// fmp4Track accumulates the samples of one track until the next fragment.
type fmp4Track struct {
	id       int
	baseTime uint64
	samples  []*fmp4.Sample
}

func (t *fmp4Track) add(s *fmp4.Sample) { t.samples = append(t.samples, s) }

// take returns the pending samples as a part track and advances baseTime.
func (t *fmp4Track) take() *fmp4.PartTrack {
	if len(t.samples) == 0 {
		return nil
	}
	pt := &fmp4.PartTrack{ID: t.id, BaseTime: t.baseTime, Samples: t.samples}
	for _, s := range t.samples {
		t.baseTime += uint64(s.Duration)
	}
	t.samples = nil
	return pt
}

// fmp4Muxer writes an init segment once and one moof+mdat fragment per flush.
type fmp4Muxer struct {
	w        *sink
	quality  int
	frameDur uint32
	seq      uint32

	video *fmp4Track
	audio *fmp4Track

	audioFormat media.Format
	opus        *opus.Encoder // nil when storing LPCM
}

func newFMP4Muxer(useOpus bool) muxerFactory {
	return func(w *sink, out media.MixedOutput, p encoding.Params, o options) (muxer, error) {
		b := out.Video.Bounds()
		m := &fmp4Muxer{
			w:        w,
			quality:  p.JPEGQuality,
			frameDur: uint32(fmp4VideoTimeScale / max(out.Video.FrameRate(), 1)),
			seq:      1,
			video:    &fmp4Track{id: fmp4VideoTrackID},
		}

		init := &fmp4.Init{
			Tracks: []*fmp4.InitTrack{{
				ID:        fmp4VideoTrackID,
				TimeScale: fmp4VideoTimeScale,
				Codec:     &mp4.CodecMJPEG{Width: b.Dx(), Height: b.Dy()},
			}},
		}

		if out.Audio != nil {
			m.audioFormat = out.Audio.Format()
			m.audio = &fmp4Track{id: fmp4AudioTrackID}
			var codec mp4.Codec
			if useOpus {
				enc, err := opus.NewEncoder(m.audioFormat, o.opusBitrate)
				if err != nil {
					return nil, err
				}
				m.opus = enc
				codec = &mp4.CodecOpus{ChannelCount: m.audioFormat.Channels}
			} else {
				codec = &mp4.CodecLPCM{
					LittleEndian: true,
					BitDepth:     16,
					SampleRate:   m.audioFormat.SampleRate,
					ChannelCount: m.audioFormat.Channels,
				}
			}
			init.Tracks = append(init.Tracks, &fmp4.InitTrack{
				ID:        fmp4AudioTrackID,
				TimeScale: uint32(m.audioFormat.SampleRate),
				Codec:     codec,
			})
		}

		var buf seekablebuffer.Buffer
		if err := init.Marshal(&buf); err != nil {
			return nil, fmt.Errorf("marshal init segment: %w", err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (m *fmp4Muxer) writeVideo(f media.VideoFrame) error {
	data, err := encodeJPEG(f.Image, m.quality)
	if err != nil {
		return err
	}
	m.video.add(&fmp4.Sample{Duration: m.frameDur, Payload: data})
	return nil
}

func (m *fmp4Muxer) writeAudio(f media.AudioFrame) error {
	if m.audio == nil || len(f.Data) == 0 {
		return nil
	}
	if m.opus == nil {
		m.audio.add(&fmp4.Sample{
			Duration: uint32(f.SamplesPerChannel()),
			Payload:  f.Data,
		})
		return nil
	}
	pkts, err := m.opus.Write(f.Data)
	for _, p := range pkts {
		m.audio.add(&fmp4.Sample{Duration: uint32(p.Samples), Payload: p.Data})
	}
	return err
}

func (m *fmp4Muxer) flush() error {
	part := &fmp4.Part{SequenceNumber: m.seq}
	if pt := m.video.take(); pt != nil {
		part.Tracks = append(part.Tracks, pt)
	}
	if m.audio != nil {
		if pt := m.audio.take(); pt != nil {
			part.Tracks = append(part.Tracks, pt)
		}
	}
	if len(part.Tracks) == 0 {
		return nil
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal fragment %d: %w", m.seq, err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return err
	}
	m.seq++
	return nil
}

func (m *fmp4Muxer) close() error {
	return m.flush()
}
