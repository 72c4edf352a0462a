package capture

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/stemsi/exstem-proctor/internal/api"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrPermissionDenied     = errors.New("capture permission denied")
	ErrInvalidShareTarget   = errors.New("shared surface is not the entire screen")
	ErrRecordingUnsupported = errors.New("recording not supported")
	ErrNotAcquired          = errors.New("stream not acquired")
)

// TrackSettings is what the browser reports about a live video track.
// DisplaySurface is empty when the browser does not expose it.
type TrackSettings struct {
	DisplaySurface string `json:"displaySurface"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

// Track is a live media track. Only the Engine may stop it.
type Track interface {
	Kind() model.StreamKind
	Label() string
	Settings() TrackSettings
	Stop()
	// Ended is closed when the track ends outside the engine's control,
	// e.g. the OS "stop sharing" button.
	Ended() <-chan struct{}
}

// MediaDevices prompts for camera and screen access.
type MediaDevices interface {
	GetUserMedia(ctx context.Context) (Track, error)
	GetDisplayMedia(ctx context.Context) (Track, error)
}

// Recorder emits encoded chunks at the requested cadence. After Stop the
// final chunk is delivered and Chunks is closed.
type Recorder interface {
	Chunks() <-chan []byte
	Stop()
}

// RecorderFactory starts recorders. It returns ErrRecordingUnsupported when
// no usable codec exists.
type RecorderFactory interface {
	NewRecorder(t Track, timeslice time.Duration) (Recorder, error)
}

// FrameGrabber returns the last rendered frame of a stream without waiting
// on the recorder.
type FrameGrabber interface {
	LastFrame(kind model.StreamKind) (image.Image, bool)
}

// FaceDetector reports whether a face is visible in a camera frame.
type FaceDetector interface {
	DetectFace(img image.Image) (bool, error)
}

// Uploader sends capture artifacts to the exam server.
type Uploader interface {
	UploadVideo(ctx context.Context, olympiadID string, kind model.StreamKind, filename string, blob []byte, progress api.ProgressFunc) error
	UploadCameraCapture(ctx context.Context, olympiadID string, kind model.StreamKind, jpeg []byte) error
	SendExitScreenshot(olympiadID string, kind model.StreamKind, jpeg []byte)
}
