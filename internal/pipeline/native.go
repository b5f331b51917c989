//go:build !gst || !cgo

// ABOUTME: Pure-Go graph backend: go-mp3 decoding into an oto player with a software spectrum tap
// ABOUTME: Plays local MP3 files on the default output or a paced null sink
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/sink"
)

// go-mp3 always decodes to interleaved 16-bit stereo
const (
	nativeChannels    = 2
	nativeDepth       = 16
	nativeFrameBytes  = nativeChannels * nativeDepth / 8
	nativeQueueLimit  = 1024
	nullSinkChunkTime = 30 * time.Millisecond
)

func init() {
	register(BackendNative, newNativeGraph)
	capabilities[BackendNative] = Capabilities{
		Backend:  BackendNative,
		Drivers:  []sink.Kind{sink.Auto, sink.Fake},
		Spectrum: true,
	}
}

// output is the part of oto.Player the graph drives; the null sink implements it too
type output interface {
	Play()
	Pause()
	IsPlaying() bool
	SetVolume(v float64)
	BufferedSize() int
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// otoDevice holds the process-wide oto context. oto allows one context per
// process, so a later track at another sample rate keeps the first rate.
var otoDevice struct {
	once sync.Once
	ctx  *oto.Context
	rate int
	err  error
}

func otoContext(log zerolog.Logger, rate int) (*oto.Context, error) {
	otoDevice.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: nativeChannels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoDevice.err = fmt.Errorf("failed to create oto context: %w", err)
			return
		}
		<-ready
		otoDevice.ctx, otoDevice.rate = ctx, rate
		log.Info().Int("rate", rate).Msg("audio output initialized")
	})
	if otoDevice.err != nil {
		return nil, otoDevice.err
	}
	if otoDevice.rate != rate {
		return nil, fmt.Errorf("%w: output already opened at %d Hz, track is %d Hz", apperr.ErrCodec, otoDevice.rate, rate)
	}
	return otoDevice.ctx, nil
}

type nativeGraph struct {
	log zerolog.Logger

	mu     sync.Mutex
	uri    string
	file   *os.File
	dec    *mp3.Decoder
	tap    *tapReader
	out    output
	kind   sink.Kind
	volume float64

	state      atomic.Int32
	spectrumOn atomic.Bool

	qmu   sync.Mutex
	queue []Message
}

func newNativeGraph(log zerolog.Logger) (Graph, error) {
	g := &nativeGraph{log: log, volume: 1, kind: sink.Auto}
	g.spectrumOn.Store(true)
	return g, nil
}

func (g *nativeGraph) post(m Message) {
	g.qmu.Lock()
	defer g.qmu.Unlock()
	if len(g.queue) >= nativeQueueLimit {
		g.queue = g.queue[1:]
	}
	g.queue = append(g.queue, m)
}

func localPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrInvalidURI, err)
	}
	switch u.Scheme {
	case "":
		return uri, nil
	case "file":
		return u.Path, nil
	}
	return "", fmt.Errorf("%w: native backend plays local files only, got %s", apperr.ErrNetwork, u.Scheme)
}

func (g *nativeGraph) closeTrackLocked() {
	if g.out != nil {
		_ = g.out.Close()
		g.out = nil
	}
	if g.file != nil {
		_ = g.file.Close()
		g.file = nil
	}
	g.dec, g.tap = nil, nil
}

// Discover decodes the first MP3 frame header of uri
func (g *nativeGraph) Discover(_ context.Context, uri string) (audio.Format, error) {
	path, err := localPath(uri)
	if err != nil {
		return audio.Format{}, err
	}
	if !strings.EqualFold(strings.TrimPrefix(extOf(path), "."), "mp3") {
		return audio.Format{}, fmt.Errorf("%w: native backend decodes MP3 only", apperr.ErrCodec)
	}
	f, err := os.Open(path)
	if err != nil {
		return audio.Format{}, fmt.Errorf("%w: %v", apperr.ErrInvalidURI, err)
	}
	defer f.Close()
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return audio.Format{}, fmt.Errorf("%w: decode: %v", apperr.ErrCodec, err)
	}
	return audio.Format{Rate: dec.SampleRate(), Depth: nativeDepth}, nil
}

func (g *nativeGraph) SetURI(uri string) error {
	path, err := localPath(uri)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeTrackLocked()
	g.state.Store(int32(StateNull))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidURI, err)
	}
	if !strings.EqualFold(strings.TrimPrefix(extOf(path), "."), "mp3") {
		f.Close()
		return fmt.Errorf("%w: native backend decodes MP3 only", apperr.ErrCodec)
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: decode: %v", apperr.ErrCodec, err)
	}
	g.uri, g.file, g.dec = uri, f, dec
	g.tap = newTapReader(dec, dec.SampleRate(), g.post, &g.spectrumOn)

	bitrate := 0
	if st, err := f.Stat(); err == nil && dec.Length() > 0 {
		secs := float64(dec.Length()) / float64(dec.SampleRate()*nativeFrameBytes)
		if secs > 0 {
			bitrate = int(float64(st.Size()) * 8 / secs)
		}
	}
	g.post(Message{
		Kind: MsgTag,
		Text: fmt.Sprintf(`taglist, audio-codec=(string)"MPEG-1 Layer 3 (MP3)", bitrate=(uint)%d, description=(string)"MP3, %d Hz, %d-bit";`,
			bitrate, dec.SampleRate(), nativeDepth),
		Timestamp: -1,
	})
	return nil
}

func extOf(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}

func (g *nativeGraph) openOutputLocked() error {
	if g.out != nil {
		return nil
	}
	if g.tap == nil {
		return fmt.Errorf("%w: no uri set", apperr.ErrUnavailable)
	}
	switch g.kind {
	case sink.Fake:
		g.out = newNullSink(g.tap, g.dec.SampleRate()*nativeFrameBytes)
	default:
		ctx, err := otoContext(g.log, g.dec.SampleRate())
		if err != nil {
			return err
		}
		g.out = ctx.NewPlayer(g.tap)
	}
	g.out.SetVolume(g.volume)
	return nil
}

func (g *nativeGraph) SetState(_ context.Context, s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := State(g.state.Load())

	switch s {
	case StatePlaying:
		if err := g.openOutputLocked(); err != nil {
			return err
		}
		g.out.Play()
	case StatePaused:
		if err := g.openOutputLocked(); err != nil {
			return err
		}
		g.out.Pause()
	case StateReady, StateNull:
		if g.out != nil {
			_ = g.out.Close()
			g.out = nil
		}
		if g.tap != nil {
			if _, err := g.tap.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
	}
	g.state.Store(int32(s))
	if prev != s {
		g.post(Message{Kind: MsgStateChanged, State: s, Timestamp: -1})
	}
	return nil
}

func (g *nativeGraph) State() State {
	return State(g.state.Load())
}

func (g *nativeGraph) Position() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tap == nil {
		return 0, false
	}
	bytes := g.tap.Offset()
	if g.out != nil {
		bytes -= int64(g.out.BufferedSize())
	}
	return float64(max(bytes, 0)) / float64(g.tap.byteRate), true
}

func (g *nativeGraph) Duration() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dec == nil || g.dec.Length() <= 0 {
		return 0, false
	}
	return float64(g.dec.Length()) / float64(g.dec.SampleRate()*nativeFrameBytes), true
}

func (g *nativeGraph) Seek(pos float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tap == nil {
		return fmt.Errorf("%w: no uri set", apperr.ErrUnavailable)
	}
	offset := int64(pos*float64(g.tap.byteRate)) / nativeFrameBytes * nativeFrameBytes
	if g.out != nil {
		_, err := g.out.Seek(offset, io.SeekStart)
		return err
	}
	_, err := g.tap.Seek(offset, io.SeekStart)
	return err
}

func (g *nativeGraph) SetVolume(v float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volume = v
	if g.out != nil {
		g.out.SetVolume(min(v, 1))
	}
	return nil
}

// SetEQ accepts only unity gain: the native graph has no equalizer stage
func (g *nativeGraph) SetEQ(bands [EQBands]float64) error {
	for _, b := range bands {
		if b != 0 {
			return fmt.Errorf("%w: equalizer not available in the native backend", apperr.ErrUnavailable)
		}
	}
	return nil
}

func (g *nativeGraph) SetSink(plan sink.Plan) error {
	if plan.Kind != sink.Auto && plan.Kind != sink.Fake {
		return fmt.Errorf("%w: native backend cannot drive %s", apperr.ErrUnsupportedDriver, plan.Element)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.out != nil {
		_ = g.out.Close()
		g.out = nil
	}
	g.kind = plan.Kind
	g.state.Store(int32(StateNull))
	return nil
}

func (g *nativeGraph) SetSpectrumEnabled(on bool) {
	g.spectrumOn.Store(on)
}

func (g *nativeGraph) QueryLatency() LatencyProbe {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.out == nil || g.tap == nil {
		return LatencyProbe{Source: LatencyNone}
	}
	buffered := g.out.BufferedSize()
	if buffered <= 0 {
		return LatencyProbe{Source: LatencyNone}
	}
	return LatencyProbe{Source: LatencySinkBuffer, Seconds: float64(buffered) / float64(g.tap.byteRate)}
}

func (g *nativeGraph) OutputCaps() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dec == nil || g.out == nil {
		return 0, 0
	}
	return g.dec.SampleRate(), nativeDepth
}

func (g *nativeGraph) Poll(max int) []Message {
	g.qmu.Lock()
	defer g.qmu.Unlock()
	n := min(max, len(g.queue))
	out := append([]Message(nil), g.queue[:n]...)
	g.queue = g.queue[n:]
	return out
}

func (g *nativeGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeTrackLocked()
	g.state.Store(int32(StateNull))
	return nil
}

// tapReader sits between the decoder and the output. Every read feeds the
// spectrum analyzer; EOF is reported on the bus once.
type tapReader struct {
	src      io.ReadSeeker
	byteRate int
	post     func(Message)
	enabled  *atomic.Bool
	analyzer *BandAnalyzer

	mu      sync.Mutex
	offset  int64
	eosSent bool
	mono    []float32
}

func newTapReader(src io.ReadSeeker, rate int, post func(Message), enabled *atomic.Bool) *tapReader {
	return &tapReader{
		src:      src,
		byteRate: rate * nativeFrameBytes,
		post:     post,
		enabled:  enabled,
		analyzer: NewBandAnalyzer(rate, SpectrumBands, SpectrumIntervalNs*time.Nanosecond),
	}
}

func (t *tapReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset += int64(n)
	if n > 0 && t.enabled.Load() {
		t.mono = audio.MonoFloat(t.mono[:0], p[:n-n%nativeFrameBytes], nativeChannels, nativeDepth)
		t.analyzer.Feed(t.mono, func(end time.Duration, mags []float32) {
			t.post(Message{Kind: MsgElement, Name: "spectrum", Structure: FormatSpectrumStructure(end, mags), Timestamp: -1})
		})
	}
	if errors.Is(err, io.EOF) && !t.eosSent {
		t.eosSent = true
		t.post(Message{Kind: MsgEOS, Timestamp: -1})
	}
	return n, err
}

func (t *tapReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := t.src.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = pos
	t.eosSent = false
	t.analyzer.Reset(pos / nativeFrameBytes)
	return pos, nil
}

// Offset returns the decoded byte position handed to the output
func (t *tapReader) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// nullSink consumes the stream in real time without an audio device
type nullSink struct {
	src      io.ReadSeeker
	chunk    int
	playing  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

func newNullSink(src io.ReadSeeker, byteRate int) *nullSink {
	chunk := int(float64(byteRate)*nullSinkChunkTime.Seconds()) / nativeFrameBytes * nativeFrameBytes
	s := &nullSink{src: src, chunk: max(chunk, nativeFrameBytes), stop: make(chan struct{})}
	go s.run()
	return s
}

func (s *nullSink) run() {
	ticker := time.NewTicker(nullSinkChunkTime)
	defer ticker.Stop()
	buf := make([]byte, s.chunk)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if !s.playing.Load() {
			continue
		}
		s.mu.Lock()
		_, err := io.ReadFull(s.src, buf)
		s.mu.Unlock()
		if err != nil {
			s.playing.Store(false)
		}
	}
}

func (s *nullSink) Play()              { s.playing.Store(true) }
func (s *nullSink) Pause()             { s.playing.Store(false) }
func (s *nullSink) IsPlaying() bool    { return s.playing.Load() }
func (s *nullSink) SetVolume(float64)  {}
func (s *nullSink) BufferedSize() int  { return 0 }
func (s *nullSink) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *nullSink) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Seek(offset, whence)
}
