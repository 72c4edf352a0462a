package router

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/violation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const agentToken = "agent-token"

type fakeProctor struct {
	mu         sync.Mutex
	began      string
	start      bool
	status     model.ProctoringStatus
	beginErr   error
	submitErr  error
	submitted  []json.RawMessage
	recorded   map[string]json.RawMessage
	reviewErr  error
	finishedBy int
	network    []bool
}

func (p *fakeProctor) Begin(_ context.Context, olympiadID string, start bool, status model.ProctoringStatus) (*model.Attempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	p.began, p.start, p.status = olympiadID, start, status
	return &model.Attempt{ID: "att-1", OlympiadID: olympiadID, Status: model.AttemptStatusInProgress}, nil
}

func (p *fakeProctor) Finish(context.Context) (service.StopReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishedBy++
	return service.StopReport{Reason: "submitted"}, nil
}

func (p *fakeProctor) Snapshot() service.Snapshot {
	return service.Snapshot{Timer: service.TimerState{RemainingSeconds: 42}}
}

func (p *fakeProctor) Question(context.Context) (*model.QuestionView, error) {
	return &model.QuestionView{Index: 3, Question: model.Question{ID: "q3"}, Nonce: "secret"}, nil
}

func (p *fakeProctor) Review(index int) (*model.QuestionView, error) {
	if p.reviewErr != nil {
		return nil, p.reviewErr
	}
	return &model.QuestionView{Index: index, Question: model.Question{ID: "q1"}}, nil
}

func (p *fakeProctor) Submit(_ context.Context, answer json.RawMessage) (*model.AnswerResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	p.submitted = append(p.submitted, answer)
	return &model.AnswerResult{NextQuestionIndex: 4}, nil
}

func (p *fakeProctor) Skip(context.Context, string) (*model.AnswerResult, error) {
	return &model.AnswerResult{NextQuestionIndex: 4}, nil
}

func (p *fakeProctor) RecordAnswer(_ context.Context, questionID string, answer json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recorded == nil {
		p.recorded = map[string]json.RawMessage{}
	}
	p.recorded[questionID] = answer
	return nil
}

func (p *fakeProctor) SetNetworkOnline(online bool) {
	p.mu.Lock()
	p.network = append(p.network, online)
	p.mu.Unlock()
}

type fakeCapture struct {
	mu   sync.Mutex
	snap capture.Snapshot
	face []bool
}

func (c *fakeCapture) Snapshot() capture.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *fakeCapture) AcquireAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Camera = model.StreamRecording
	c.snap.Screen = model.StreamDenied
	return capture.ErrPermissionDenied
}

func (c *fakeCapture) ReportFace(present bool) {
	c.mu.Lock()
	c.face = append(c.face, present)
	c.mu.Unlock()
}

type fakeMedia struct {
	mu      sync.Mutex
	granted map[model.StreamKind]capture.TrackInfo
	chunks  [][]byte
	final   bool
	frames  int
	ended   []model.StreamKind
}

func (m *fakeMedia) Grant(kind model.StreamKind, info capture.TrackInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.granted == nil {
		m.granted = map[model.StreamKind]capture.TrackInfo{}
	}
	m.granted[kind] = info
	return nil
}

func (m *fakeMedia) Deny(model.StreamKind, string) error { return nil }

func (m *fakeMedia) Ended(kind model.StreamKind) {
	m.mu.Lock()
	m.ended = append(m.ended, kind)
	m.mu.Unlock()
}

func (m *fakeMedia) PushChunk(_ context.Context, _ model.StreamKind, data []byte, final bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, data)
	m.final = final
	return nil
}

func (m *fakeMedia) PushFrame(model.StreamKind, image.Image) {
	m.mu.Lock()
	m.frames++
	m.mu.Unlock()
}

type fakeSignals struct{}

func (fakeSignals) HandleSignal(sig violation.Signal) violation.Decision {
	return violation.Decision{Suppress: sig.Kind == violation.SignalContextMenu}
}

type testEnv struct {
	router  *gin.Engine
	proctor *fakeProctor
	capture *fakeCapture
	media   *fakeMedia
	hub     *service.EventHub
}

func newTestEnv() *testEnv {
	gin.SetMode(gin.TestMode)
	env := &testEnv{
		proctor: &fakeProctor{},
		capture: &fakeCapture{},
		media:   &fakeMedia{},
		hub:     service.NewEventHub(16),
	}
	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	log := zerolog.New(io.Discard)
	handlers := &Handlers{
		Attempt:    handler.NewAttemptHandler(env.proctor, env.capture),
		Proctoring: handler.NewProctoringHandler(env.capture, env.media, fakeSignals{}),
		Events:     handler.NewEventsHandler(env.hub, env.proctor, log, nil),
		System:     handler.NewSystemHandler(clk, "memory", nil, nil),
	}
	cfg := &config.Config{GinMode: gin.TestMode, AgentToken: agentToken}
	env.router = SetupRouter(handlers, cfg, clk)
	return env
}

func (e *testEnv) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+agentToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestRouter_HealthIsPublic(t *testing.T) {
	env := newTestEnv()
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(response.HeaderRequestID))
}

func TestRouter_APIRequiresToken(t *testing.T) {
	env := newTestEnv()
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/attempt", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.ErrTokenRequired, decode(t, w).Error.Code)
}

func TestRouter_StartAttemptDerivesProctoringStatus(t *testing.T) {
	env := newTestEnv()
	env.capture.snap = capture.Snapshot{Camera: model.StreamRecording, Screen: model.StreamRecording}

	w := env.do(http.MethodPost, "/api/v1/attempt/start", strings.NewReader(`{"olympiadId":"olymp-1"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "olymp-1", env.proctor.began)
	assert.True(t, env.proctor.start)
	assert.Equal(t, model.ProctoringStatusReady, env.proctor.status)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRouter_StartAttemptValidation(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/v1/attempt/start", strings.NewReader(`{"proctoringStatus":"maybe"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, response.ErrValidation, body.Error.Code)
	assert.Contains(t, body.Error.Fields, "olympiadId")
}

func TestRouter_StartAttemptMapsServiceErrors(t *testing.T) {
	env := newTestEnv()
	env.proctor.beginErr = service.ErrSessionExpired
	w := env.do(http.MethodPost, "/api/v1/attempt/start", strings.NewReader(`{"olympiadId":"o","resume":true}`))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.ErrAttemptExpired, decode(t, w).Error.Code)
}

func TestRouter_QuestionHidesNonce(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodGet, "/api/v1/question", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")
	assert.Contains(t, w.Body.String(), `"q3"`)
}

func TestRouter_ReviewErrors(t *testing.T) {
	env := newTestEnv()
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/question/review/abc", nil).Code)

	env.proctor.reviewErr = service.ErrReviewUnavailable
	w := env.do(http.MethodGet, "/api/v1/question/review/5", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrReviewUnavailable, decode(t, w).Error.Code)
}

func TestRouter_SubmitAnswer(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/v1/answer", strings.NewReader(`{"answer":{"choice":"B"}}`))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.proctor.submitted, 1)
	assert.JSONEq(t, `{"choice":"B"}`, string(env.proctor.submitted[0]))

	env.proctor.submitErr = service.ErrProceedBlocked
	w = env.do(http.MethodPost, "/api/v1/answer", strings.NewReader(`{"answer":"C"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrProctoringRequired, decode(t, w).Error.Code)

	env.proctor.submitErr = service.ErrSubmissionInFlight
	w = env.do(http.MethodPost, "/api/v1/answer", strings.NewReader(`{"answer":"C"}`))
	assert.Equal(t, response.ErrSubmissionInFlight, decode(t, w).Error.Code)
}

func TestRouter_SaveDraft(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPut, "/api/v1/draft", strings.NewReader(`{"questionId":"q1","answer":"A"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `"A"`, string(env.proctor.recorded["q1"]))

	w = env.do(http.MethodPut, "/api/v1/draft", strings.NewReader(`{"answer":"A"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_NetworkSignal(t *testing.T) {
	env := newTestEnv()
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/network", strings.NewReader(`{"online":false}`)).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/network", strings.NewReader(`{"online":true}`)).Code)
	assert.Equal(t, []bool{false, true}, env.proctor.network)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/network", strings.NewReader(`{}`)).Code)
}

func TestRouter_Signals(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/v1/signals", strings.NewReader(`{"signals":[{"kind":"context_menu"},{"kind":"focus"}]}`))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Decisions []violation.Decision `json:"decisions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data.Decisions, 2)
	assert.True(t, body.Data.Decisions[0].Suppress)
	assert.False(t, body.Data.Decisions[1].Suppress)

	w = env.do(http.MethodPost, "/api/v1/signals", strings.NewReader(`{"signals":[{"key":"a"}]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Face(t *testing.T) {
	env := newTestEnv()
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/face", strings.NewReader(`{"present":false}`)).Code)
	assert.Equal(t, []bool{false}, env.capture.face)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/face", strings.NewReader(`{}`)).Code)
}

func TestRouter_AcquireReportsPartial(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/v1/capture/acquire", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"proctoringStatus":"partial"`)
}

func TestRouter_CaptureRoutes(t *testing.T) {
	env := newTestEnv()

	w := env.do(http.MethodPost, "/api/v1/capture/screen/track",
		strings.NewReader(`{"label":"screen:0","settings":{"displaySurface":"monitor","width":1920,"height":1080},"recordingSupported":true}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "monitor", env.media.granted[model.StreamScreen].Settings.DisplaySurface)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/capture/mic/track", strings.NewReader(`{}`)).Code)

	w = env.do(http.MethodPost, "/api/v1/capture/camera/chunk", bytes.NewReader([]byte{1, 2, 3}))
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodPost, "/api/v1/capture/camera/chunk?final=true", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, env.media.final)
	assert.Equal(t, []byte{1, 2, 3}, env.media.chunks[0])

	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	require.NoError(t, png.Encode(&buf, img))
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/api/v1/capture/camera/frame", &buf).Code)
	assert.Equal(t, 1, env.media.frames)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/capture/camera/frame", strings.NewReader("nope")).Code)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/api/v1/capture/screen/ended", nil).Code)
	assert.Equal(t, []model.StreamKind{model.StreamScreen}, env.media.ended)
}

func TestRouter_EventsStream(t *testing.T) {
	env := newTestEnv()
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/events?token=" + agentToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first service.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, service.EventSnapshot, first.Type)

	env.hub.Publish(service.EventCaptureCommand, capture.Command{Action: capture.CommandRequestTrack, Stream: model.StreamCamera})

	var ev struct {
		Type service.EventType `json:"type"`
		Data capture.Command   `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, service.EventCaptureCommand, ev.Type)
	assert.Equal(t, capture.CommandRequestTrack, ev.Data.Action)
}

func TestRouter_EventsRequireToken(t *testing.T) {
	env := newTestEnv()
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
