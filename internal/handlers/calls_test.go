package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	alice      = "alice"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCalls struct {
	startErr  error
	answerErr error
	endErr    error
	started   []models.Mode
	status    models.CallStatus
}

func (f *fakeCalls) StartCall(mode models.Mode) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, mode)
	f.status.State = call.StateOriginating.String()
	f.status.Mode = mode
	return nil
}

func (f *fakeCalls) AnswerIncoming() error { return f.answerErr }
func (f *fakeCalls) EndCall() error        { return f.endErr }
func (f *fakeCalls) Status() models.CallStatus {
	return f.status
}

type fakeSlot struct {
	cleared int
	err     error
}

func (f *fakeSlot) Clear(context.Context) error {
	f.cleared++
	return f.err
}

func newCallRouter(calls CallController, slot SlotClearer) *gin.Engine {
	h := NewCallHandler(calls, slot, zerolog.Nop())
	r := gin.New()
	g := r.Group("/api/call", middleware.JWTAuth(testSecret), middleware.RequireParticipant(alice))
	g.GET("", h.GetCall)
	g.POST("", h.StartCall)
	g.DELETE("", h.EndCall)
	g.POST("/answer", h.AnswerCall)
	g.DELETE("/slot", h.ResetSlot)
	return r
}

func authed(t *testing.T, method, path, body, user string) *http.Request {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, user, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStartCall(t *testing.T) {
	calls := &fakeCalls{status: models.CallStatus{ParticipantID: alice}}
	r := newCallRouter(calls, &fakeSlot{})

	w := serve(r, authed(t, http.MethodPost, "/api/call", `{"mode":"video"}`, alice))
	require.Equal(t, http.StatusAccepted, w.Code)

	var status models.CallStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "originating", status.State)
	assert.Equal(t, models.ModeVideo, status.Mode)
	assert.Equal(t, []models.Mode{models.ModeVideo}, calls.started)
}

func TestStartCallRejectsBadMode(t *testing.T) {
	calls := &fakeCalls{}
	r := newCallRouter(calls, &fakeSlot{})

	for _, body := range []string{`{"mode":"screen"}`, `{}`, `not json`} {
		w := serve(r, authed(t, http.MethodPost, "/api/call", body, alice))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, calls.started)
}

func TestCallErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", call.ErrBusy, http.StatusConflict},
		{"no incoming call", call.ErrNoIncomingCall, http.StatusConflict},
		{"invalid mode", models.ErrInvalidMode, http.StatusBadRequest},
		{"stopped", call.ErrStopped, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newCallRouter(&fakeCalls{answerErr: tt.err}, &fakeSlot{})
			w := serve(r, authed(t, http.MethodPost, "/api/call/answer", "", alice))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestEndCallAndStatus(t *testing.T) {
	calls := &fakeCalls{status: models.CallStatus{ParticipantID: alice, State: "idle"}}
	r := newCallRouter(calls, &fakeSlot{})

	w := serve(r, authed(t, http.MethodDelete, "/api/call", "", alice))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, authed(t, http.MethodGet, "/api/call", "", alice))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"participantId":"alice","state":"idle"}`, w.Body.String())
}

func TestResetSlot(t *testing.T) {
	slot := &fakeSlot{}
	r := newCallRouter(&fakeCalls{}, slot)

	w := serve(r, authed(t, http.MethodDelete, "/api/call/slot", "", alice))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, slot.cleared)

	slot.err = errors.New("redis down")
	w = serve(r, authed(t, http.MethodDelete, "/api/call/slot", "", alice))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCallRoutesBelongToParticipant(t *testing.T) {
	calls := &fakeCalls{}
	r := newCallRouter(calls, &fakeSlot{})

	w := serve(r, authed(t, http.MethodPost, "/api/call", `{"mode":"audio"}`, "bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/call", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, calls.started)
}

func TestHealth(t *testing.T) {
	r := gin.New()
	var down error
	r.GET("/health", Health(func(context.Context) error { return down }))

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	down = errors.New("connection refused")
	w = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
