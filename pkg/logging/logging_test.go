package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareLogsCompletion(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	var seenID string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/mkdir/docs", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seenID != "req-1" {
		t.Errorf("request id in context = %q", seenID)
	}
	if rec.Header().Get("X-Request-ID") != "req-1" {
		t.Error("request id not echoed")
	}

	done := logs.FilterMessage("request completed").All()
	if len(done) != 1 {
		t.Fatalf("got %d completion logs", len(done))
	}
	fields := done[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["size"] != int64(2) {
		t.Errorf("size field = %v", fields["size"])
	}
	if fields["request_id"] != "req-1" {
		t.Errorf("request_id field = %v", fields["request_id"])
	}
}

func TestGeneratedRequestIDsDiffer(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()
	if a == b {
		t.Errorf("ids collide: %q", a)
	}
}

func TestResolveFormat(t *testing.T) {
	if got := ResolveFormat("json"); got != "json" {
		t.Errorf("ResolveFormat(json) = %q", got)
	}
	if got := ResolveFormat("auto"); got != "json" && got != "console" {
		t.Errorf("ResolveFormat(auto) = %q", got)
	}
}

func TestSetLevel(t *testing.T) {
	SetLevel("warn")
	defer SetLevel("info")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("level = %v", globalLevel.Level())
	}
	SetLevel("bogus")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Error("invalid level should be ignored")
	}
}
