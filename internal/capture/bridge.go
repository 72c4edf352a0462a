package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Bridge commands sent to the browser shell.
const (
	CommandRequestTrack  = "request_track"
	CommandStopTrack     = "stop_track"
	CommandStartRecorder = "start_recorder"
	CommandStopRecorder  = "stop_recorder"
)

// Command asks the browser shell to act on a stream.
type Command struct {
	Action    string           `json:"action"`
	Stream    model.StreamKind `json:"stream"`
	Timeslice int64            `json:"timesliceMs,omitempty"`
}

// TrackInfo is the shell's description of a granted track.
type TrackInfo struct {
	Label              string        `json:"label"`
	Settings           TrackSettings `json:"settings"`
	RecordingSupported bool          `json:"recordingSupported"`
}

type grant struct {
	track *bridgeTrack
	err   error
}

// Bridge adapts the browser shell to MediaDevices, RecorderFactory and
// FrameGrabber. The shell owns the real MediaStreams; the agent sees them
// through track announcements, recorder chunks and posted frames.
type Bridge struct {
	log          zerolog.Logger
	flushTimeout time.Duration

	mu        sync.Mutex
	waiting   map[model.StreamKind]chan grant
	tracks    map[model.StreamKind]*bridgeTrack
	recorders map[model.StreamKind]*bridgeRecorder
	frames    map[model.StreamKind]image.Image
	commands  []func(Command)
}

// NewBridge creates a Bridge. flushTimeout bounds how long a stopped
// recorder waits for the shell's final chunk.
func NewBridge(flushTimeout time.Duration, log zerolog.Logger) *Bridge {
	return &Bridge{
		log:          log.With().Str("component", "capture_bridge").Logger(),
		flushTimeout: flushTimeout,
		waiting:      make(map[model.StreamKind]chan grant),
		tracks:       make(map[model.StreamKind]*bridgeTrack),
		recorders:    make(map[model.StreamKind]*bridgeRecorder),
		frames:       make(map[model.StreamKind]image.Image),
	}
}

// OnCommand registers fn to deliver commands to the shell.
func (b *Bridge) OnCommand(fn func(Command)) {
	b.mu.Lock()
	b.commands = append(b.commands, fn)
	b.mu.Unlock()
}

func (b *Bridge) send(cmd Command) {
	b.mu.Lock()
	fns := append([]func(Command){}, b.commands...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(cmd)
	}
}

func (b *Bridge) GetUserMedia(ctx context.Context) (Track, error) {
	return b.request(ctx, model.StreamCamera)
}

func (b *Bridge) GetDisplayMedia(ctx context.Context) (Track, error) {
	return b.request(ctx, model.StreamScreen)
}

func (b *Bridge) request(ctx context.Context, kind model.StreamKind) (Track, error) {
	ch := make(chan grant, 1)
	b.mu.Lock()
	b.waiting[kind] = ch
	b.mu.Unlock()

	b.send(Command{Action: CommandRequestTrack, Stream: kind})

	select {
	case g := <-ch:
		if g.err != nil {
			return nil, g.err
		}
		return g.track, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.waiting[kind] == ch {
			delete(b.waiting, kind)
		}
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Grant resolves a pending request with a live track.
func (b *Bridge) Grant(kind model.StreamKind, info TrackInfo) error {
	t := &bridgeTrack{
		bridge:    b,
		kind:      kind,
		label:     info.Label,
		settings:  info.Settings,
		supported: info.RecordingSupported,
		ended:     make(chan struct{}),
	}
	return b.resolve(kind, grant{track: t})
}

// Deny resolves a pending request with a permission failure.
func (b *Bridge) Deny(kind model.StreamKind, reason string) error {
	b.log.Info().Str("stream", string(kind)).Str("reason", reason).Msg("Shell reported denial")
	return b.resolve(kind, grant{err: fmt.Errorf("%s: %w", reason, ErrPermissionDenied)})
}

func (b *Bridge) resolve(kind model.StreamKind, g grant) error {
	b.mu.Lock()
	ch, ok := b.waiting[kind]
	delete(b.waiting, kind)
	if ok && g.track != nil {
		if old := b.tracks[kind]; old != nil {
			old.markEnded()
		}
		b.tracks[kind] = g.track
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("no %s request pending", kind)
	}
	ch <- g
	return nil
}

// Ended reports that the shell's track ended on its own.
func (b *Bridge) Ended(kind model.StreamKind) {
	b.mu.Lock()
	t := b.tracks[kind]
	b.mu.Unlock()
	if t != nil {
		t.markEnded()
	}
}

// PushChunk delivers one recorder chunk. final marks the chunk the shell
// emits after a stop request.
func (b *Bridge) PushChunk(ctx context.Context, kind model.StreamKind, data []byte, final bool) error {
	b.mu.Lock()
	rec := b.recorders[kind]
	b.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("%s: %w", kind, ErrNotAcquired)
	}
	return rec.push(ctx, data, final)
}

// PushFrame stores the latest rendered frame of a stream.
func (b *Bridge) PushFrame(kind model.StreamKind, img image.Image) {
	b.mu.Lock()
	b.frames[kind] = img
	b.mu.Unlock()
}

func (b *Bridge) LastFrame(kind model.StreamKind) (image.Image, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.frames[kind]
	return img, ok && img != nil
}

func (b *Bridge) NewRecorder(t Track, timeslice time.Duration) (Recorder, error) {
	bt, ok := t.(*bridgeTrack)
	if !ok {
		return nil, fmt.Errorf("track %s not owned by bridge", t.Kind())
	}
	if !bt.supported {
		return nil, ErrRecordingUnsupported
	}

	rec := &bridgeRecorder{
		bridge: b,
		kind:   bt.kind,
		chunks: make(chan []byte, 64),
	}
	b.mu.Lock()
	b.recorders[bt.kind] = rec
	b.mu.Unlock()

	b.send(Command{Action: CommandStartRecorder, Stream: bt.kind, Timeslice: timeslice.Milliseconds()})
	return rec, nil
}

type bridgeTrack struct {
	bridge    *Bridge
	kind      model.StreamKind
	label     string
	settings  TrackSettings
	supported bool

	once  sync.Once
	ended chan struct{}
}

func (t *bridgeTrack) Kind() model.StreamKind  { return t.kind }
func (t *bridgeTrack) Label() string           { return t.label }
func (t *bridgeTrack) Settings() TrackSettings { return t.settings }
func (t *bridgeTrack) Ended() <-chan struct{}  { return t.ended }

func (t *bridgeTrack) Stop() {
	t.bridge.send(Command{Action: CommandStopTrack, Stream: t.kind})
	t.bridge.mu.Lock()
	if t.bridge.tracks[t.kind] == t {
		delete(t.bridge.tracks, t.kind)
		delete(t.bridge.frames, t.kind)
	}
	t.bridge.mu.Unlock()
}

func (t *bridgeTrack) markEnded() {
	t.once.Do(func() { close(t.ended) })
}

type bridgeRecorder struct {
	bridge *Bridge
	kind   model.StreamKind
	chunks chan []byte

	mu       sync.Mutex
	stopping bool
	done     bool
}

func (r *bridgeRecorder) Chunks() <-chan []byte { return r.chunks }

func (r *bridgeRecorder) push(ctx context.Context, data []byte, final bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return fmt.Errorf("%s recorder already closed", r.kind)
	}
	if len(data) > 0 {
		select {
		case r.chunks <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if final {
		r.closeLocked()
	}
	return nil
}

// Stop asks the shell for its final chunk. The chunk stream closes when it
// arrives or after the bridge flush timeout.
func (r *bridgeRecorder) Stop() {
	r.mu.Lock()
	if r.stopping || r.done {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.mu.Unlock()

	r.bridge.send(Command{Action: CommandStopRecorder, Stream: r.kind})
	time.AfterFunc(r.bridge.flushTimeout, func() {
		r.mu.Lock()
		r.closeLocked()
		r.mu.Unlock()
	})
}

func (r *bridgeRecorder) closeLocked() {
	if r.done {
		return
	}
	r.done = true
	close(r.chunks)

	r.bridge.mu.Lock()
	if r.bridge.recorders[r.kind] == r {
		delete(r.bridge.recorders, r.kind)
	}
	r.bridge.mu.Unlock()
}
