package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/biometric-embedder/internal/audio"
	"github.com/user/biometric-embedder/internal/audio/audiotest"
	"github.com/user/biometric-embedder/internal/auth"
	"github.com/user/biometric-embedder/internal/face"
	"github.com/user/biometric-embedder/internal/speaker"
	"github.com/user/biometric-embedder/internal/store"
	"github.com/user/biometric-embedder/internal/voice"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type fakeFace struct {
	vectors map[string][]float32
}

func (f fakeFace) Embed(_ context.Context, img []byte) ([]float32, error) {
	if string(img) == "corrupt-image" {
		return nil, fmt.Errorf("%w: not a JPEG file", face.ErrUnsupportedImage)
	}
	v, ok := f.vectors[string(img)]
	if !ok {
		return nil, face.ErrNoFace
	}
	return v, nil
}

func (fakeFace) Close() error { return nil }

type panickingModel struct{}

func (panickingModel) Extract(context.Context, audio.Waveform) ([]float32, error) {
	panic("model runtime fault")
}
func (panickingModel) Dimension() int { return 80 }
func (panickingModel) Close() error   { return nil }

type testEnv struct {
	srv     *Server
	tempDir string
	store   *store.Store
}

func newTestEnv(t *testing.T, withFace bool) *testEnv {
	t.Helper()

	st, err := store.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tempDir := t.TempDir()
	deps := Deps{
		Voice:  voice.New(audio.NewEnergySplitter(), speaker.NewFbankModel(speaker.DefaultFbankConfig()), tempDir),
		Store:  st,
		Issuer: issuer,
	}
	if withFace {
		deps.Face = fakeFace{vectors: map[string][]float32{
			"alice-face":       {1, 0, 0},
			"alice-face-again": {0.9, 0.1, 0},
			"bob-face":         {0, 1, 0},
			"alice-face-2d":    {1, 0},
		}}
	}

	srv := New(Options{
		Addr:           ":0",
		MaxUploadBytes: 10 << 20,
		CORSOrigins:    []string{"http://app.test"},
		VoiceThreshold: 0.60,
		FaceThreshold:  0.5,
	}, deps)
	return &testEnv{srv: srv, tempDir: tempDir, store: st}
}

type part struct {
	field, filename string
	data            []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files ...part) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(f.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not a JSON object: %v: %s", err, rec.Body.String())
	}
	return body
}

func toneWAV(t *testing.T, freq float64) []byte {
	return audiotest.WAV(t, audiotest.Sine(freq, 1.5, 16000, 0.6), 16000, 1)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no temporary files, found %d", len(entries))
	}
}

func TestVoiceVerify(t *testing.T) {
	tests := []struct {
		name     string
		files    []part
		status   int
		wantCode string
	}{
		{"missing audio", nil, http.StatusBadRequest, "MISSING_INPUT"},
		{
			"silence",
			[]part{{"audio", "silence.wav", audiotest.WAV(t, audiotest.Silence(1, 16000), 16000, 1)}},
			http.StatusBadRequest, "NO_VOICE_DETECTED",
		},
		{
			"not audio",
			[]part{{"audio", "notes.txt", []byte("hello there, not a recording")}},
			http.StatusBadRequest, "UNSUPPORTED_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			rec := env.do(multipartRequest(t, "/voice-verify", nil, tt.files...))

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			body := decode(t, rec)
			if body["code"] != tt.wantCode {
				t.Errorf("expected code %s, got %v", tt.wantCode, body["code"])
			}
			if body["success"] != false {
				t.Errorf("expected success false, got %v", body["success"])
			}
			if msg, _ := body["error"].(string); msg == "" {
				t.Error("expected a human-readable error message")
			}
			assertNoTempFiles(t, env.tempDir)
		})
	}
}

func TestVoiceVerifySuccess(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(multipartRequest(t, "/voice-verify", nil, part{"audio", "voice.wav", toneWAV(t, 220)}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true {
		t.Errorf("expected success true, got %v", body["success"])
	}
	emb, ok := body["embedding"].([]any)
	if !ok || len(emb) != 80 {
		t.Errorf("expected an 80-dimensional embedding, got %v", body["embedding"])
	}
	feats, ok := body["voice_features"].(map[string]any)
	if !ok {
		t.Fatalf("expected voice_features object, got %v", body["voice_features"])
	}
	for _, group := range []string{"f0_stats", "spectral_stats", "mfcc_stats", "voice_characteristics"} {
		if _, ok := feats[group]; !ok {
			t.Errorf("voice_features missing %s", group)
		}
	}
	assertNoTempFiles(t, env.tempDir)
}

func TestVoiceRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t, false)
	recording := toneWAV(t, 220)

	rec := env.do(multipartRequest(t, "/api/voice/register",
		map[string]string{"username": "alice", "email": "alice@example.com"},
		part{"audio", "voice.wav", recording}))
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if token, _ := decode(t, rec)["token"].(string); token == "" {
		t.Fatal("register: expected a token")
	}

	rec = env.do(multipartRequest(t, "/api/voice/login",
		map[string]string{"username": "alice"},
		part{"audio", "voice.wav", recording}))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login: expected a token")
	}
	scores, _ := body["scores"].(map[string]any)
	if combined, _ := scores["combined"].(float64); combined < 0.99 {
		t.Errorf("expected a near-perfect combined score, got %v", scores)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("user: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	user := decode(t, rec)
	if user["username"] != "alice" || user["email"] != "alice@example.com" {
		t.Errorf("unexpected user %v", user)
	}
	methods, _ := user["auth_methods"].(map[string]any)
	if methods["voice"] != true || methods["face"] != false {
		t.Errorf("unexpected auth methods %v", methods)
	}
	assertNoTempFiles(t, env.tempDir)
}

func TestVoiceLoginRejectsDifferentSpeaker(t *testing.T) {
	env := newTestEnv(t, false)
	recording := toneWAV(t, 220)

	res, err := env.srv.deps.Voice.Process(context.Background(), bytes.NewReader(recording))
	if err != nil {
		t.Fatal(err)
	}
	opposite := make([]float32, len(res.Embedding))
	for i, v := range res.Embedding {
		opposite[i] = -v
	}
	u := &store.User{
		Username: "carol",
		Voice:    &store.VoiceProfile{Embedding: opposite, Features: res.Features},
	}
	if err := env.store.SaveUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}

	rec := env.do(multipartRequest(t, "/api/voice/login",
		map[string]string{"username": "carol"},
		part{"audio", "voice.wav", recording}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["code"] != "AUTHENTICATION_FAILED" {
		t.Errorf("expected AUTHENTICATION_FAILED, got %v", body["code"])
	}

	history, err := env.store.LoginHistory(context.Background(), u.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Success || history[0].Method != store.MethodVoice {
		t.Errorf("expected one failed voice attempt in history, got %+v", history)
	}
}

func TestVoiceVerifyModelPanic(t *testing.T) {
	env := newTestEnv(t, false)
	env.srv.deps.Voice.Model = panickingModel{}

	rec := env.do(multipartRequest(t, "/voice-verify", nil, part{"audio", "voice.wav", toneWAV(t, 220)}))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["code"] != "UNEXPECTED_FAILURE" || body["success"] != false {
		t.Errorf("expected an unexpected-failure body, got %v", body)
	}
	assertNoTempFiles(t, env.tempDir)
}

func TestVoiceLoginAfterBackendChange(t *testing.T) {
	env := newTestEnv(t, false)
	res, err := env.srv.deps.Voice.Process(context.Background(), bytes.NewReader(toneWAV(t, 220)))
	if err != nil {
		t.Fatal(err)
	}
	u := &store.User{
		Username: "dave",
		Voice:    &store.VoiceProfile{Embedding: make([]float32, 128), Features: res.Features},
	}
	u.Voice.Embedding[0] = 1
	if err := env.store.SaveUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}

	rec := env.do(multipartRequest(t, "/api/voice/login",
		map[string]string{"username": "dave"},
		part{"audio", "voice.wav", toneWAV(t, 220)}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["code"] != "RE_ENROLLMENT_REQUIRED" {
		t.Errorf("expected RE_ENROLLMENT_REQUIRED, got %v", body["code"])
	}
}

func TestFaceLoginAfterBackendChange(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(multipartRequest(t, "/api/register",
		map[string]string{"username": "alice"},
		part{"image", "me.jpg", []byte("alice-face")}))
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(multipartRequest(t, "/api/login",
		map[string]string{"username": "alice"},
		part{"image", "me.jpg", []byte("alice-face-2d")}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["code"] != "RE_ENROLLMENT_REQUIRED" {
		t.Errorf("expected RE_ENROLLMENT_REQUIRED, got %v", body["code"])
	}
}

func TestFaceRegisterUndecodableImage(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(multipartRequest(t, "/api/register",
		map[string]string{"username": "alice"},
		part{"image", "me.jpg", []byte("corrupt-image")}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["code"] != "INVALID_INPUT" {
		t.Errorf("expected INVALID_INPUT, got %v", body["code"])
	}
}

func TestVoiceLoginUnknownUser(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(multipartRequest(t, "/api/voice/login",
		map[string]string{"username": "nobody"},
		part{"audio", "voice.wav", toneWAV(t, 220)}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEmbed(t *testing.T) {
	t.Run("no backend", func(t *testing.T) {
		env := newTestEnv(t, false)
		rec := env.do(multipartRequest(t, "/embed", nil, part{"image", "me.jpg", []byte("alice-face")}))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
	})

	tests := []struct {
		name    string
		files   []part
		status  int
		wantErr string
	}{
		{"missing image", nil, http.StatusBadRequest, "Image file missing"},
		{"no face", []part{{"image", "wall.jpg", []byte("a blank wall")}}, http.StatusBadRequest, "No face detected"},
		{"face", []part{{"image", "me.jpg", []byte("alice-face")}}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			rec := env.do(multipartRequest(t, "/embed", nil, tt.files...))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			body := decode(t, rec)
			if tt.wantErr != "" {
				if body["error"] != tt.wantErr {
					t.Errorf("expected error %q, got %v", tt.wantErr, body["error"])
				}
				return
			}
			if emb, ok := body["embedding"].([]any); !ok || len(emb) != 3 {
				t.Errorf("unexpected embedding %v", body["embedding"])
			}
		})
	}
}

func TestFaceRegisterLoginAndHistory(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(multipartRequest(t, "/api/register",
		map[string]string{"username": "alice", "email": "alice@example.com"},
		part{"image", "me.jpg", []byte("alice-face")}))
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(multipartRequest(t, "/api/register",
		map[string]string{"username": "alice"},
		part{"image", "me.jpg", []byte("alice-face")}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate register: expected 400, got %d", rec.Code)
	}

	rec = env.do(multipartRequest(t, "/api/login",
		map[string]string{"username": "alice"},
		part{"image", "other.jpg", []byte("bob-face")}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong face: expected 401, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(multipartRequest(t, "/api/login",
		map[string]string{"username": "alice"},
		part{"image", "me.jpg", []byte("alice-face-again")}))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decode(t, rec)["token"].(string)

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/login-history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var history []historyEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	wantMethods := []string{store.MethodLogout, store.MethodFace, store.MethodFace}
	wantSuccess := []bool{true, true, false}
	for i, h := range history {
		if h.AuthMethod != wantMethods[i] || h.Success != wantSuccess[i] {
			t.Errorf("entry %d: got %s/%v, want %s/%v", i, h.AuthMethod, h.Success, wantMethods[i], wantSuccess[i])
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/api/user", "/api/login-history"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("health and request id", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Error("expected a generated X-Request-Id")
		}

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-Id", "abc-123")
		if got := env.do(req).Header().Get("X-Request-Id"); got != "abc-123" {
			t.Errorf("expected request id to be propagated, got %q", got)
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/voice-verify", nil)
		req.Header.Set("Origin", "http://app.test")
		rec := env.do(req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.test" {
			t.Errorf("unexpected allow origin %q", got)
		}

		req = httptest.NewRequest(http.MethodOptions, "/voice-verify", nil)
		req.Header.Set("Origin", "http://evil.test")
		if got := env.do(req).Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no allow origin for a foreign origin, got %q", got)
		}
	})

	t.Run("recovery", func(t *testing.T) {
		env.srv.engine.GET("/boom", func(*gin.Context) { panic("boom") })
		rec := env.do(httptest.NewRequest(http.MethodGet, "/boom", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		if decode(t, rec)["code"] != "UNEXPECTED_FAILURE" {
			t.Error("expected UNEXPECTED_FAILURE code")
		}
	})
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	env := newTestEnv(t, false)
	env.srv.engine.GET("/unavailable", func(c *gin.Context) { c.AbortWithStatus(http.StatusServiceUnavailable) })

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env.do(httptest.NewRequest(http.MethodGet, "/unavailable", nil))

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	health := spans[0]
	if health.Name() != "GET /health" {
		t.Errorf("unexpected span name %q", health.Name())
	}
	if health.SpanKind() != trace.SpanKindServer {
		t.Errorf("expected a server span, got %v", health.SpanKind())
	}
	if got := health.SpanContext().TraceID().String(); got != traceID {
		t.Errorf("expected the caller's trace %s, got %s", traceID, got)
	}
	if !health.Parent().IsRemote() {
		t.Error("expected a remote parent")
	}

	if health.Status().Code == codes.Error {
		t.Error("expected a healthy request not to be marked as an error")
	}

	failed := spans[1]
	if failed.Name() != "GET /unavailable" {
		t.Errorf("unexpected span name %q", failed.Name())
	}
	if failed.Status().Code != codes.Error {
		t.Errorf("expected a 503 to mark the span as an error, got %v", failed.Status().Code)
	}
	if failed.Parent().IsValid() {
		t.Error("expected a root span without a traceparent header")
	}
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, false)
	env.srv = New(Options{MaxUploadBytes: 1024, VoiceThreshold: 0.6, FaceThreshold: 0.5}, env.srv.deps)

	rec := env.do(multipartRequest(t, "/voice-verify", nil, part{"audio", "voice.wav", toneWAV(t, 220)}))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	assertNoTempFiles(t, env.tempDir)
}
