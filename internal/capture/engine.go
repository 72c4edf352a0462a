package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// SharePrompt is shown after a share of anything but the entire screen.
const SharePrompt = "Bagikan seluruh layar (Entire Screen), bukan jendela atau tab."

// Snapshot is the observable engine state.
type Snapshot struct {
	State        model.CaptureState   `json:"state"`
	Camera       model.StreamState    `json:"camera"`
	Screen       model.StreamState    `json:"screen"`
	Recording    bool                 `json:"recording"`
	FaceDetected bool                 `json:"faceDetected"`
	Prompt       string               `json:"prompt,omitempty"`
	Progress     model.UploadProgress `json:"progress"`
}

// StopResult carries the independent outcome of each video upload.
type StopResult struct {
	Camera error
	Screen error
}

// Err joins both upload failures.
func (r StopResult) Err() error {
	return errors.Join(r.Camera, r.Screen)
}

type stream struct {
	kind     model.StreamKind
	state    model.StreamState
	track    Track
	recorder Recorder
	chunks   [][]byte
	done     chan struct{}
	bytes    int64
	sent     int64
	total    int64
}

// Engine acquires, validates and records the camera and screen streams and
// ships their artifacts. It owns both tracks exclusively.
type Engine struct {
	cfg       config.CaptureConfig
	devices   MediaDevices
	recorders RecorderFactory
	frames    FrameGrabber
	faces     FaceDetector
	uploader  Uploader
	clock     clock.WithTicker
	sem       *semaphore.Weighted
	log       zerolog.Logger

	mu           sync.Mutex
	olympiadID   string
	state        model.CaptureState
	streams      map[model.StreamKind]*stream
	prompt       string
	faceSeen     bool
	faceLastSeen time.Time
	exitCaptured bool
	stopResult   *StopResult
	stopDone     chan struct{}
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
	listeners    []func(Snapshot)
	onEnded      []func(kind model.StreamKind)

	// encMu guards the shared encode buffer of the realtime loop.
	encMu  sync.Mutex
	encBuf bytes.Buffer

	uploads sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

// WithFaceDetector runs d on every realtime camera frame.
func WithFaceDetector(d FaceDetector) Option {
	return func(e *Engine) { e.faces = d }
}

// WithClock replaces the real clock.
func WithClock(c clock.WithTicker) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an Engine.
func NewEngine(cfg config.CaptureConfig, devices MediaDevices, recorders RecorderFactory, frames FrameGrabber, uploader Uploader, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 4
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = jpeg.DefaultQuality
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = time.Second
	}
	e := &Engine{
		cfg:       cfg,
		devices:   devices,
		recorders: recorders,
		frames:    frames,
		uploader:  uploader,
		clock:     clock.RealClock{},
		sem:       semaphore.NewWeighted(int64(cfg.MaxInflight)),
		log:       log.With().Str("component", "capture").Logger(),
		state:     model.CaptureIdle,
		streams: map[model.StreamKind]*stream{
			model.StreamCamera: {kind: model.StreamCamera, state: model.StreamIdle},
			model.StreamScreen: {kind: model.StreamScreen, state: model.StreamIdle},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bind sets the olympiad that uploads are filed under.
func (e *Engine) Bind(olympiadID string) {
	e.mu.Lock()
	e.olympiadID = olympiadID
	e.mu.Unlock()
}

// OnChange registers fn to receive every state change.
func (e *Engine) OnChange(fn func(Snapshot)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// OnTrackEnded registers fn to run when a track ends outside the engine,
// e.g. the student revoking the screen share.
func (e *Engine) OnTrackEnded(fn func(kind model.StreamKind)) {
	e.mu.Lock()
	e.onEnded = append(e.onEnded, fn)
	e.mu.Unlock()
}

// AcquireAll acquires the camera, then the screen. Both are attempted even
// if the camera fails.
func (e *Engine) AcquireAll(ctx context.Context) error {
	return errors.Join(e.Acquire(ctx, model.StreamCamera), e.Acquire(ctx, model.StreamScreen))
}

// Acquire prompts for one stream. A denied or invalid share leaves the
// stream Denied; calling Acquire again retries.
func (e *Engine) Acquire(ctx context.Context, kind model.StreamKind) error {
	e.mu.Lock()
	st, ok := e.streams[kind]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown stream %q", kind)
	}
	switch st.state {
	case model.StreamAcquired, model.StreamRecording:
		e.mu.Unlock()
		return nil
	case model.StreamRequestingPermissions:
		e.mu.Unlock()
		return fmt.Errorf("%s: permission request already pending", kind)
	}
	if e.state == model.CaptureStopping || e.state == model.CaptureStopped {
		e.mu.Unlock()
		return fmt.Errorf("capture already stopped")
	}
	st.state = model.StreamRequestingPermissions
	if e.state == model.CaptureIdle {
		e.state = model.CaptureAcquiring
	}
	e.mu.Unlock()
	e.notify()

	var (
		track Track
		err   error
	)
	if kind == model.StreamCamera {
		track, err = e.devices.GetUserMedia(ctx)
	} else {
		track, err = e.devices.GetDisplayMedia(ctx)
	}
	if err != nil {
		e.setStream(kind, model.StreamDenied, "")
		e.log.Warn().Err(err).Str("stream", string(kind)).Msg("Stream not granted")
		if errors.Is(err, ErrPermissionDenied) {
			return fmt.Errorf("%s: %w", kind, ErrPermissionDenied)
		}
		return fmt.Errorf("acquire %s: %w", kind, err)
	}

	if kind == model.StreamScreen {
		if verr := e.validateScreen(track); verr != nil {
			track.Stop()
			e.setStream(kind, model.StreamDenied, SharePrompt)
			e.log.Warn().
				Str("surface", track.Settings().DisplaySurface).
				Str("label", track.Label()).
				Msg("Rejected screen share")
			return verr
		}
	}

	e.mu.Lock()
	st.track = track
	st.state = model.StreamAcquired
	if kind == model.StreamScreen {
		e.prompt = ""
	}
	e.mu.Unlock()
	go e.watchTrack(kind, track)

	e.log.Info().Str("stream", string(kind)).Msg("Stream acquired")
	return e.maybeStartRecording()
}

// validateScreen accepts only whole-screen shares. displaySurface decides
// when present; otherwise the label and dimensions are checked.
func (e *Engine) validateScreen(t Track) error {
	s := t.Settings()
	if s.DisplaySurface != "" {
		if s.DisplaySurface == model.DisplaySurfaceMonitor {
			return nil
		}
		return ErrInvalidShareTarget
	}

	label := strings.ToLower(t.Label())
	for _, hint := range []string{"window", "tab", "jendela"} {
		if strings.Contains(label, hint) {
			return ErrInvalidShareTarget
		}
	}
	for _, hint := range []string{"screen", "monitor", "display", "layar"} {
		if strings.Contains(label, hint) {
			return nil
		}
	}

	if e.cfg.ScreenWidth > 0 && e.cfg.ScreenHeight > 0 &&
		s.Width*100 >= e.cfg.ScreenWidth*95 && s.Height*100 >= e.cfg.ScreenHeight*90 {
		return nil
	}
	return ErrInvalidShareTarget
}

func (e *Engine) watchTrack(kind model.StreamKind, t Track) {
	<-t.Ended()

	e.mu.Lock()
	st := e.streams[kind]
	if st.track != t || e.state == model.CaptureStopping || e.state == model.CaptureStopped {
		e.mu.Unlock()
		return
	}
	recording := e.state == model.CaptureRecording
	if !recording {
		st.track = nil
		st.state = model.StreamIdle
	}
	fns := append([]func(model.StreamKind){}, e.onEnded...)
	e.mu.Unlock()

	e.log.Warn().Str("stream", string(kind)).Bool("recording", recording).Msg("Track ended outside the engine")
	e.notify()
	for _, fn := range fns {
		fn(kind)
	}
	if recording {
		e.Stop(context.Background(), string(kind)+"_ended")
	}
}

func (e *Engine) maybeStartRecording() error {
	e.mu.Lock()
	cam, scr := e.streams[model.StreamCamera], e.streams[model.StreamScreen]
	if e.state != model.CaptureAcquiring || cam.state != model.StreamAcquired || scr.state != model.StreamAcquired {
		e.mu.Unlock()
		e.notify()
		return nil
	}

	var started []*stream
	for _, st := range []*stream{cam, scr} {
		rec, err := e.recorders.NewRecorder(st.track, e.cfg.Timeslice)
		if err != nil {
			for _, s := range started {
				s.recorder.Stop()
				s.recorder = nil
			}
			e.state = model.CaptureFailed
			e.mu.Unlock()
			e.notify()
			e.log.Error().Err(err).Str("stream", string(st.kind)).Msg("Recorder failed to start")
			if errors.Is(err, ErrRecordingUnsupported) {
				return err
			}
			return fmt.Errorf("start %s recorder: %w", st.kind, err)
		}
		st.recorder = rec
		started = append(started, st)
	}

	for _, st := range started {
		st.state = model.StreamRecording
		st.chunks = nil
		st.done = make(chan struct{})
		go e.collect(st, st.recorder, st.done)
	}
	e.state = model.CaptureRecording

	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})
	go e.realtimeLoop(loopCtx, e.loopDone)
	e.mu.Unlock()

	e.log.Info().Msg("Recording started")
	e.notify()
	return nil
}

func (e *Engine) collect(st *stream, rec Recorder, done chan struct{}) {
	defer close(done)
	for chunk := range rec.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		e.mu.Lock()
		st.chunks = append(st.chunks, chunk)
		e.mu.Unlock()
	}
}

func (e *Engine) realtimeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if e.cfg.RealtimeInterval <= 0 {
		<-ctx.Done()
		return
	}

	t := e.clock.NewTicker(e.cfg.RealtimeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			e.captureRealtime()
		}
	}
}

// captureRealtime snapshots both streams into the shared buffer and ships
// the stills without waiting. Frames are dropped while the upload slots are
// full.
func (e *Engine) captureRealtime() {
	e.mu.Lock()
	olympiadID := e.olympiadID
	e.mu.Unlock()

	for _, kind := range []model.StreamKind{model.StreamCamera, model.StreamScreen} {
		img, ok := e.frames.LastFrame(kind)
		if !ok {
			continue
		}
		if kind == model.StreamCamera && e.faces != nil {
			if present, err := e.faces.DetectFace(img); err == nil {
				e.ReportFace(present)
			} else {
				e.log.Debug().Err(err).Msg("Face detection failed")
			}
		}

		data, err := e.encodeShared(img)
		if err != nil {
			e.log.Debug().Err(err).Str("stream", string(kind)).Msg("Frame encode failed")
			continue
		}
		if !e.sem.TryAcquire(1) {
			e.log.Debug().Str("stream", string(kind)).Msg("Upload slots full, frame dropped")
			continue
		}
		go func(kind model.StreamKind, data []byte) {
			defer e.sem.Release(1)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.uploader.UploadCameraCapture(ctx, olympiadID, kind, data); err != nil {
				e.log.Debug().Err(err).Str("stream", string(kind)).Msg("Realtime frame upload failed")
			}
		}(kind, data)
	}
}

func (e *Engine) encodeShared(img image.Image) ([]byte, error) {
	e.encMu.Lock()
	defer e.encMu.Unlock()
	e.encBuf.Reset()
	if err := jpeg.Encode(&e.encBuf, img, &jpeg.Options{Quality: e.cfg.JPEGQuality}); err != nil {
		return nil, err
	}
	return bytes.Clone(e.encBuf.Bytes()), nil
}

// Stop ends the attempt's capture: the realtime loop, then both recorders,
// then a short flush grace, then the parallel upload of both videos. It runs
// once; later calls wait for and return the first result.
func (e *Engine) Stop(ctx context.Context, reason string) StopResult {
	e.mu.Lock()
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		<-done
		e.mu.Lock()
		res := *e.stopResult
		e.mu.Unlock()
		return res
	}
	e.stopDone = make(chan struct{})
	wasRecording := e.state == model.CaptureRecording
	e.state = model.CaptureStopping
	cancel, loopDone := e.loopCancel, e.loopDone
	e.loopCancel, e.loopDone = nil, nil
	olympiadID := e.olympiadID
	// Registered under mu so a Close racing this Stop always sees the upload.
	e.uploads.Add(1)
	e.mu.Unlock()
	e.notify()

	e.log.Info().Str("reason", reason).Bool("recording", wasRecording).Msg("Stopping capture")

	if cancel != nil {
		cancel()
		<-loopDone
	}

	var waits []chan struct{}
	e.mu.Lock()
	for _, st := range e.streams {
		if st.recorder != nil {
			st.recorder.Stop()
			waits = append(waits, st.done)
		}
	}
	e.mu.Unlock()

	e.awaitFlush(waits)

	blobs := e.takeBlobs()
	res := e.uploadAll(ctx, olympiadID, blobs)
	e.uploads.Done()

	e.mu.Lock()
	for _, st := range e.streams {
		st.recorder = nil
		if st.state == model.StreamRecording || st.state == model.StreamAcquired {
			st.state = model.StreamStopped
		}
	}
	e.state = model.CaptureStopped
	e.stopResult = &res
	close(e.stopDone)
	e.mu.Unlock()
	e.notify()
	return res
}

func (e *Engine) awaitFlush(waits []chan struct{}) {
	if len(waits) == 0 {
		return
	}
	deadline := e.clock.After(e.cfg.StopFlushDelay)
	for _, w := range waits {
		select {
		case <-w:
		case <-deadline:
			e.log.Warn().Msg("Recorder flush grace elapsed")
			return
		}
	}
}

// takeBlobs merges each stream's chunks and discards the local copies.
func (e *Engine) takeBlobs() map[model.StreamKind][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[model.StreamKind][]byte, 2)
	for kind, st := range e.streams {
		if len(st.chunks) == 0 {
			continue
		}
		out[kind] = bytes.Join(st.chunks, nil)
		st.chunks = nil
		st.bytes = int64(len(out[kind]))
		st.sent, st.total = 0, 0
	}
	return out
}

func (e *Engine) uploadAll(ctx context.Context, olympiadID string, blobs map[model.StreamKind][]byte) StopResult {
	var (
		res   StopResult
		resMu sync.Mutex
		g     errgroup.Group
	)
	for kind, blob := range blobs {
		kind, blob := kind, blob
		filename := fmt.Sprintf("%s-%s-%s.webm", olympiadID, kind, uuid.NewString())
		g.Go(func() error {
			err := e.uploader.UploadVideo(ctx, olympiadID, kind, filename, blob, func(sent, total int64) {
				e.progress(kind, sent, total)
			})
			if err != nil {
				e.log.Error().Err(err).Str("stream", string(kind)).Int("bytes", len(blob)).Msg("Video upload failed")
			} else {
				e.finishProgress(kind)
				e.log.Info().Str("stream", string(kind)).Int("bytes", len(blob)).Msg("Video uploaded")
			}
			resMu.Lock()
			if kind == model.StreamCamera {
				res.Camera = err
			} else {
				res.Screen = err
			}
			resMu.Unlock()
			// Failures stay per stream; the other upload keeps running.
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// progress records the uploader's byte counts. total is the request body
// size, which includes multipart framing on top of the raw blob.
func (e *Engine) progress(kind model.StreamKind, sent, total int64) {
	e.mu.Lock()
	if st := e.streams[kind]; st != nil {
		st.sent, st.total = sent, total
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) finishProgress(kind model.StreamKind) {
	e.mu.Lock()
	if st := e.streams[kind]; st != nil {
		if st.total == 0 {
			st.total = st.bytes
		}
		st.sent = st.total
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) progressLocked() model.UploadProgress {
	ratio := func(st *stream) float64 {
		if st.total == 0 {
			return 0
		}
		r := float64(st.sent) / float64(st.total)
		if r > 1 {
			r = 1
		}
		return r
	}
	p := model.UploadProgress{
		Camera: ratio(e.streams[model.StreamCamera]),
		Screen: ratio(e.streams[model.StreamScreen]),
	}
	p.Combined = (p.Camera + p.Screen) / 2
	return p
}

// Close waits up to the teardown grace for in-flight uploads, then releases
// both tracks.
func (e *Engine) Close() {
	done := make(chan struct{})
	go func() {
		e.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-e.clock.After(e.cfg.TeardownGrace):
		e.log.Warn().Dur("grace", e.cfg.TeardownGrace).Msg("Releasing tracks with uploads still running")
	}

	e.mu.Lock()
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
	for _, st := range e.streams {
		if st.recorder != nil {
			st.recorder.Stop()
			st.recorder = nil
		}
		if st.track != nil {
			st.track.Stop()
			st.track = nil
		}
		st.state = model.StreamStopped
	}
	if e.state != model.CaptureFailed {
		e.state = model.CaptureStopped
	}
	e.mu.Unlock()
	e.notify()
}

// CaptureExit grabs the last frame of each live stream and sends it with a
// detached request. It fires once per exit episode and reports whether it
// fired.
func (e *Engine) CaptureExit() bool {
	e.mu.Lock()
	if e.exitCaptured {
		e.mu.Unlock()
		return false
	}
	e.exitCaptured = true
	olympiadID := e.olympiadID
	e.mu.Unlock()

	for _, kind := range []model.StreamKind{model.StreamCamera, model.StreamScreen} {
		img, ok := e.frames.LastFrame(kind)
		if !ok {
			continue
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.cfg.JPEGQuality}); err != nil {
			e.log.Debug().Err(err).Str("stream", string(kind)).Msg("Exit frame encode failed")
			continue
		}
		e.uploader.SendExitScreenshot(olympiadID, kind, buf.Bytes())
	}
	return true
}

// ResetExitCapture re-arms CaptureExit once the page is visible again.
func (e *Engine) ResetExitCapture() {
	e.mu.Lock()
	e.exitCaptured = false
	e.mu.Unlock()
}

// ReportFace records a face-presence observation.
func (e *Engine) ReportFace(present bool) {
	e.mu.Lock()
	changed := false
	if present {
		changed = !e.faceSeen
		e.faceSeen = true
		e.faceLastSeen = e.clock.Now()
	}
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

// FaceDetected reports whether a face was seen within the grace period.
func (e *Engine) FaceDetected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faceDetectedLocked()
}

func (e *Engine) faceDetectedLocked() bool {
	return e.faceSeen && e.clock.Since(e.faceLastSeen) <= e.cfg.FaceGrace
}

// Recording reports whether both recorders run.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == model.CaptureRecording
}

// CanProceed is the interaction gate: recording and a face present.
func (e *Engine) CanProceed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == model.CaptureRecording && e.faceDetectedLocked()
}

// Snapshot returns the observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		State:        e.state,
		Camera:       e.streams[model.StreamCamera].state,
		Screen:       e.streams[model.StreamScreen].state,
		Recording:    e.state == model.CaptureRecording,
		FaceDetected: e.faceDetectedLocked(),
		Prompt:       e.prompt,
		Progress:     e.progressLocked(),
	}
}

func (e *Engine) setStream(kind model.StreamKind, state model.StreamState, prompt string) {
	e.mu.Lock()
	e.streams[kind].state = state
	if prompt != "" {
		e.prompt = prompt
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) notify() {
	e.mu.Lock()
	snap := e.snapshotLocked()
	fns := append([]func(Snapshot){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
