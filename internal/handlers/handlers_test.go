package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gossiphub/internal/middleware"
	"gossiphub/internal/models"
	"gossiphub/internal/pdf"
	"gossiphub/internal/realtime"
	"gossiphub/internal/repositories"
	"gossiphub/internal/scheduler"
	"gossiphub/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{fmt.Errorf("join: %w", services.ErrForbidden), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("get call: %w", services.ErrNotFound), http.StatusNotFound, "not_found"},
		{services.ErrPeerUnreachable, http.StatusConflict, "peer_unreachable"},
		{services.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{fmt.Errorf("%w: duration", services.ErrInvalidInput), http.StatusBadRequest, "bad_request"},
		{fmt.Errorf("list: %w: %w", services.ErrTransientStorage, errors.New("conn reset")), http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestPublicMessageHidesStorageDetails(t *testing.T) {
	err := fmt.Errorf("list: %w: %w", services.ErrTransientStorage, errors.New("dial tcp 10.0.0.5:5432"))
	if got := publicMessage(err, http.StatusServiceUnavailable); strings.Contains(got, "10.0.0.5") {
		t.Errorf("message leaks address: %q", got)
	}
	if got := publicMessage(errors.New("nil map"), http.StatusInternalServerError); got != "internal error" {
		t.Errorf("internal message = %q", got)
	}
}

type callServer struct {
	store *repositories.MemoryStore
	calls *services.CallService
	r     *gin.Engine
}

func newCallServer(t *testing.T) *callServer {
	t.Helper()
	log := zap.NewNop()
	store := repositories.NewMemoryStore()
	sched := scheduler.NewMemory(log)
	registry := realtime.NewRegistry(realtime.NewMemoryPresence(), sched, time.Second, log)
	router := realtime.NewRouter(registry, log)
	notes := services.NewNotificationService(store, router, registry, log)
	messages := services.NewMessageService(store, router, registry, sched, notes, time.Minute, log)
	calls := services.NewCallService(store, store, messages, notes, router, registry, sched, time.Minute, 20, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	if err := store.CreateRoom(context.Background(), &models.ChatRoom{ID: "R", Members: []string{"alice", "bob"}, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	h := NewCallHandler(calls, pdf.NewReportGenerator(""))
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User"); id != "" {
			c.Set(middleware.ContextUserID, id)
		}
	})
	r.POST("/calls", h.CreateCall)
	r.PUT("/calls/:id/status", h.UpdateStatus)
	r.GET("/calls/history", h.History)
	r.GET("/calls/history/export", h.ExportHistory)
	return &callServer{store: store, calls: calls, r: r}
}

func (s *callServer) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func (s *callServer) ringing(t *testing.T) *models.CallSession {
	t.Helper()
	call, err := s.calls.CreateRecord(context.Background(), "alice", "bob", models.MediaVoice, "R")
	if err != nil {
		t.Fatal(err)
	}
	return call
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body %q: %v", w.Body.String(), err)
	}
	return body.Code
}

func TestUpdateCallStatus(t *testing.T) {
	s := newCallServer(t)
	accepted := s.ringing(t)
	rejected := s.ringing(t)
	if _, err := s.calls.UpdateStatus(context.Background(), "bob", rejected.ID, models.CallRejected, 0); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		user   string
		id     string
		body   string
		status int
		code   string
	}{
		{"caller cannot accept", "alice", accepted.ID, `{"status":"accepted"}`, http.StatusForbidden, "forbidden"},
		{"stranger", "mallory", accepted.ID, `{"status":"completed"}`, http.StatusForbidden, "forbidden"},
		{"unknown session", "bob", "no-such-call", `{"status":"accepted"}`, http.StatusNotFound, "not_found"},
		{"out of a terminal status", "bob", rejected.ID, `{"status":"accepted"}`, http.StatusConflict, "invalid_transition"},
		{"negative duration", "bob", accepted.ID, `{"status":"completed","duration":-1}`, http.StatusBadRequest, "bad_request"},
		{"callee accepts", "bob", accepted.ID, `{"status":"accepted"}`, http.StatusOK, ""},
	}
	for _, tc := range cases {
		w := s.do(http.MethodPut, "/calls/"+tc.id+"/status", tc.user, tc.body)
		if w.Code != tc.status {
			t.Errorf("%s: status = %d, want %d (%s)", tc.name, w.Code, tc.status, w.Body.String())
			continue
		}
		if tc.code != "" {
			if code := errorCode(t, w); code != tc.code {
				t.Errorf("%s: code = %q, want %q", tc.name, code, tc.code)
			}
		}
	}

	got, err := s.store.GetCall(context.Background(), accepted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.CallAccepted {
		t.Errorf("stored status = %s, want accepted", got.Status)
	}
}

func TestUpdateCallStatus_MalformedBody(t *testing.T) {
	s := newCallServer(t)
	call := s.ringing(t)

	for _, body := range []string{`{"status":`, `{}`} {
		if w := s.do(http.MethodPut, "/calls/"+call.ID+"/status", "bob", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestCreateCallRecord(t *testing.T) {
	s := newCallServer(t)

	w := s.do(http.MethodPost, "/calls", "alice", `{"calleeId":"bob","mediaKind":"video","roomId":"R"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	var call models.CallSession
	if err := json.Unmarshal(w.Body.Bytes(), &call); err != nil {
		t.Fatal(err)
	}
	if call.Status != models.CallRinging || call.CalleeID != "bob" {
		t.Errorf("call = %+v", call)
	}

	w = s.do(http.MethodPost, "/calls", "alice", `{"calleeId":"bob","roomId":"elsewhere"}`)
	if w.Code == http.StatusCreated {
		t.Errorf("call into an unknown room was stored")
	}
}

func TestExportCallHistory(t *testing.T) {
	s := newCallServer(t)
	call := s.ringing(t)
	if _, err := s.calls.UpdateStatus(context.Background(), "bob", call.ID, models.CallRejected, 0); err != nil {
		t.Fatal(err)
	}

	w := s.do(http.MethodGet, "/calls/history/export", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")) {
		t.Errorf("body does not start with a PDF header")
	}
}
