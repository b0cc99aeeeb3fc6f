package container

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/opus"
)

// matroskaHeader is the webm default header with the doc type widened to
// Matroska, which allows the V_MJPEG codec.
var matroskaHeader = &webm.EBMLHeader{
	EBMLVersion:        1,
	EBMLReadVersion:    1,
	EBMLMaxIDLength:    4,
	EBMLMaxSizeLength:  8,
	DocType:            "matroska",
	DocTypeVersion:     4,
	DocTypeReadVersion: 2,
}

// mkvMuxer writes SimpleBlocks through ebml-go. ebml-go serializes on its
// own goroutine; output reaches the sink asynchronously.
type mkvMuxer struct {
	w         *sink
	quality   int
	closeWait time.Duration
	logger    *slog.Logger

	video webm.BlockWriteCloser
	audio webm.BlockWriteCloser
	opus  *opus.Encoder

	mu    sync.Mutex
	fatal error
}

func newMKVMuxer(w *sink, out media.MixedOutput, p encoding.Params, o options) (muxer, error) {
	b := out.Video.Bounds()
	fps := max(out.Video.FrameRate(), 1)
	m := &mkvMuxer{
		w:         w,
		quality:   p.JPEGQuality,
		closeWait: o.closeWait,
		logger:    o.logger.With("component", "mkv_muxer"),
	}

	tracks := []webm.TrackEntry{{
		Name:            "Video",
		TrackNumber:     1,
		TrackUID:        1,
		CodecID:         "V_MJPEG",
		TrackType:       1,
		DefaultDuration: uint64(time.Second / time.Duration(fps)),
		Video: &webm.Video{
			PixelWidth:  uint64(b.Dx()),
			PixelHeight: uint64(b.Dy()),
		},
	}}
	if out.Audio != nil {
		f := out.Audio.Format()
		enc, err := opus.NewEncoder(f, o.opusBitrate)
		if err != nil {
			return nil, err
		}
		m.opus = enc
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Audio",
			TrackNumber:     2,
			TrackUID:        2,
			CodecID:         "A_OPUS",
			CodecPrivate:    opus.Head(f),
			TrackType:       2,
			DefaultDuration: uint64(opus.FrameDuration),
			Audio: &webm.Audio{
				SamplingFrequency: float64(f.SampleRate),
				Channels:          uint64(f.Channels),
			},
		})
	}

	writers, err := webm.NewSimpleBlockWriter(w, tracks,
		mkvcore.WithEBMLHeader(matroskaHeader),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.mu.Lock()
			m.fatal = err
			m.mu.Unlock()
			m.logger.Warn("matroska writer fatal error", "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create matroska writer: %w", err)
	}
	m.video = writers[0]
	if len(writers) > 1 {
		m.audio = writers[1]
	}
	return m, nil
}

func (m *mkvMuxer) fatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *mkvMuxer) writeVideo(f media.VideoFrame) error {
	data, err := encodeJPEG(f.Image, m.quality)
	if err != nil {
		return err
	}
	if _, err := m.video.Write(true, f.Timestamp.Milliseconds(), data); err != nil {
		return err
	}
	return m.fatalErr()
}

func (m *mkvMuxer) writeAudio(f media.AudioFrame) error {
	if m.audio == nil || len(f.Data) == 0 {
		return nil
	}
	pkts, err := m.opus.Write(f.Data)
	for _, p := range pkts {
		if _, werr := m.audio.Write(true, p.Timestamp.Milliseconds(), p.Data); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	return m.fatalErr()
}

func (m *mkvMuxer) flush() error {
	return m.fatalErr()
}

func (m *mkvMuxer) close() error {
	var errs []error
	if err := m.video.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close video track: %w", err))
	}
	if m.audio != nil {
		if err := m.audio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audio track: %w", err))
		}
	}
	// The writer goroutine closes the sink once the last cluster is out.
	select {
	case <-m.w.Done():
	case <-time.After(m.closeWait):
		m.logger.Warn("matroska writer did not finish in time, emitting what was written", "wait", m.closeWait)
	}
	if err := m.fatalErr(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
