package model

// StreamKind identifies one of the two proctoring streams.
type StreamKind string

const (
	StreamCamera StreamKind = "camera"
	StreamScreen StreamKind = "screen"
)

// Valid reports whether k names a known stream.
func (k StreamKind) Valid() bool {
	return k == StreamCamera || k == StreamScreen
}

// Display surfaces reported for a screen capture track.
const (
	DisplaySurfaceMonitor = "monitor"
	DisplaySurfaceWindow  = "window"
	DisplaySurfaceBrowser = "browser"
)

// StreamState is the acquisition state of one stream.
type StreamState string

const (
	StreamIdle                  StreamState = "idle"
	StreamRequestingPermissions StreamState = "requesting_permissions"
	StreamDenied                StreamState = "denied"
	StreamAcquired              StreamState = "acquired"
	StreamRecording             StreamState = "recording"
	StreamStopped               StreamState = "stopped"
)

// CaptureState is the engine-wide state.
type CaptureState string

const (
	CaptureIdle      CaptureState = "idle"
	CaptureAcquiring CaptureState = "acquiring"
	CaptureRecording CaptureState = "recording"
	CaptureStopping  CaptureState = "stopping"
	CaptureStopped   CaptureState = "stopped"
	CaptureFailed    CaptureState = "failed"
)

// UploadProgress reports end-of-attempt upload progress in the range [0,1].
type UploadProgress struct {
	Camera   float64 `json:"camera"`
	Screen   float64 `json:"screen"`
	Combined float64 `json:"combined"`
}
