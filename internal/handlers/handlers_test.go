package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/smile-check/internal/landmarks"
	"github.com/example/smile-check/internal/middleware"
	"github.com/example/smile-check/internal/smile"
	"github.com/example/smile-check/internal/usecase"
)

type stubOracle struct {
	faces    []landmarks.Face
	err      error
	readyErr error
}

func (s *stubOracle) Detect(ctx context.Context, img image.Image) ([]landmarks.Face, error) {
	return s.faces, s.err
}

func (s *stubOracle) Ready(ctx context.Context) error { return s.readyErr }

func exampleFace(dx int) landmarks.Face {
	var lm landmarks.LandmarkSet
	for i := landmarks.MouthStart; i <= landmarks.MouthEnd; i++ {
		lm[i] = landmarks.Point{X: dx + 100 + (i-landmarks.MouthStart)*3, Y: 198}
	}
	lm[48] = landmarks.Point{X: dx + 100, Y: 200}
	lm[54] = landmarks.Point{X: dx + 160, Y: 200}
	lm[51] = landmarks.Point{X: dx + 130, Y: 190}
	lm[57] = landmarks.Point{X: dx + 130, Y: 205}
	lm[50] = landmarks.Point{X: dx + 115, Y: 192}
	lm[58] = landmarks.Point{X: dx + 115, Y: 203}
	lm[62] = landmarks.Point{X: dx + 130, Y: 195}
	lm[66] = landmarks.Point{X: dx + 130, Y: 205}
	return landmarks.Face{
		Box:       landmarks.FaceBox{Left: dx + 70, Top: 100, Right: dx + 190, Bottom: 250},
		Landmarks: lm,
	}
}

type testServer struct {
	router  *gin.Engine
	tempDir string
}

func newTestServer(t *testing.T, oracle landmarks.Oracle, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	router.Use(middleware.RequestID(), middleware.Recovery(zap.NewNop()))

	uc := usecase.NewSmileUseCase(oracle, smile.NormalizedScorer{}, 2, time.Second, 0, zap.NewNop())
	RegisterRoutes(router, uc, opts)
	return &testServer{router: router, tempDir: opts.TempDir}
}

func (s *testServer) post(t *testing.T, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover temp files, found %d (%s)", len(entries), entries[0].Name())
	}
}

func pngFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 120, G: 110, B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", resp.Body.String(), err)
	}
	return body
}

func TestRootReportsLiveness(t *testing.T) {
	s := newTestServer(t, &stubOracle{}, Options{})
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Running") {
		t.Fatalf("unexpected liveness response %d %q", resp.Code, resp.Body.String())
	}
}

func TestHealthReflectsOracleReadiness(t *testing.T) {
	s := newTestServer(t, &stubOracle{}, Options{})
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	s = newTestServer(t, &stubOracle{readyErr: errors.New("not serving")}, Options{})
	resp = httptest.NewRecorder()
	s.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestDetectSmileRequiresImageField(t *testing.T) {
	s := newTestServer(t, &stubOracle{}, Options{})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("format", "json"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	writer.Close()

	resp := s.post(t, "/detect_smile", body, writer.FormDataContentType())
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	got := decodeJSON(t, resp)
	if got["error"] != "no image" || got["status"] != "error" {
		t.Fatalf("unexpected body %v", got)
	}

	resp = s.post(t, "/detect_smile", bytes.NewBufferString(`{"image":"x"}`), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", resp.Code)
	}
}

func TestDetectSmileRejectsNonImagePayload(t *testing.T) {
	s := newTestServer(t, &stubOracle{faces: []landmarks.Face{exampleFace(0)}}, Options{})

	for _, ct := range []string{"text/plain", "image/png"} {
		body, contentType := buildMultipartBody(t, ct, []byte("hello, definitely not pixels"))
		resp := s.post(t, "/detect_smile", body, contentType)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", ct, resp.Code)
		}
		got := decodeJSON(t, resp)
		if got["error"] != "invalid image" || got["hint"] == "" {
			t.Fatalf("%s: unexpected body %v", ct, got)
		}
	}
	s.assertNoTempFiles(t)
}

func TestDetectSmileRejectsLargeUpload(t *testing.T) {
	s := newTestServer(t, &stubOracle{}, Options{MaxUploadBytes: 1024})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), 2048))
	resp := s.post(t, "/detect_smile", body, contentType)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestDetectSmileNoFace(t *testing.T) {
	s := newTestServer(t, &stubOracle{}, Options{})

	for _, path := range []string{"/detect_smile", "/detect_smile/annotated"} {
		body, contentType := buildMultipartBody(t, "image/png", pngFixture(t))
		resp := s.post(t, path, body, contentType)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.Code)
		}
		got := decodeJSON(t, resp)
		if got["error"] != "no face detected" || got["hint"] != noFaceHint {
			t.Fatalf("%s: unexpected body %v", path, got)
		}
		if _, ok := got["smile_scores"]; ok {
			t.Fatalf("%s: error response must not carry scores", path)
		}
	}
	s.assertNoTempFiles(t)
}

func TestDetectSmileJSON(t *testing.T) {
	s := newTestServer(t, &stubOracle{faces: []landmarks.Face{exampleFace(0), exampleFace(150)}}, Options{})

	body, contentType := buildMultipartBody(t, "image/png", pngFixture(t))
	resp := s.post(t, "/detect_smile", body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var got detectResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "success" || got.Mode != smile.ModeNormalized {
		t.Fatalf("unexpected response %+v", got)
	}
	if len(got.Faces) != 2 || len(got.SmileScores) != 2 {
		t.Fatalf("expected two faces, got %+v", got)
	}
	if got.Faces[1].FaceLocation != exampleFace(150).Box {
		t.Fatalf("unexpected face location %+v", got.Faces[1].FaceLocation)
	}
	if got.Faces[0].SmilePercentage != 23.2 || got.SmileScores[0] != 23.2 {
		t.Fatalf("expected 23.2, got %+v", got)
	}
	if got.RequestID == "" || got.RequestID != resp.Header().Get(middleware.RequestIDHeader) {
		t.Fatalf("request id mismatch: body %q header %q", got.RequestID, resp.Header().Get(middleware.RequestIDHeader))
	}
}

func TestDetectSmileModeOverride(t *testing.T) {
	s := newTestServer(t, &stubOracle{faces: []landmarks.Face{exampleFace(0)}}, Options{})

	body, contentType := buildMultipartBody(t, "image/png", pngFixture(t))
	resp := s.post(t, "/detect_smile?mode=ratio", body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var got detectResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Mode != smile.ModeRatio || got.SmileScores[0] != 50 {
		t.Fatalf("expected ratio score 50, got %+v", got)
	}

	body, contentType = buildMultipartBody(t, "image/png", pngFixture(t))
	resp = s.post(t, "/detect_smile?mode=cubic", body, contentType)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", resp.Code)
	}

	body, contentType = buildMultipartBody(t, "image/png", pngFixture(t))
	resp = s.post(t, "/detect_smile?format=gif", body, contentType)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", resp.Code)
	}
}

func TestDetectSmileAnnotatedImage(t *testing.T) {
	s := newTestServer(t, &stubOracle{faces: []landmarks.Face{exampleFace(0), exampleFace(150)}}, Options{})

	for _, path := range []string{"/detect_smile?format=image", "/detect_smile/annotated"} {
		body, contentType := buildMultipartBody(t, "image/png", pngFixture(t))
		resp := s.post(t, path, body, contentType)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, resp.Code, resp.Body.String())
		}
		if ct := resp.Header().Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("%s: unexpected content type %q", path, ct)
		}
		if got := resp.Header().Get("X-Smile-Scores"); got != "23.2,23.2" {
			t.Fatalf("%s: unexpected scores header %q", path, got)
		}
		if got := resp.Header().Get("X-Face-Count"); got != "2" {
			t.Fatalf("%s: unexpected face count %q", path, got)
		}
		img, err := jpeg.Decode(resp.Body)
		if err != nil {
			t.Fatalf("%s: body is not a JPEG: %v", path, err)
		}
		if img.Bounds().Dx() != 400 || img.Bounds().Dy() != 300 {
			t.Fatalf("%s: unexpected bounds %v", path, img.Bounds())
		}
	}
	s.assertNoTempFiles(t)
}

func TestDetectSmileDefaultFormatFromOptions(t *testing.T) {
	s := newTestServer(t, &stubOracle{faces: []landmarks.Face{exampleFace(0)}}, Options{DefaultFormat: FormatImage})

	body, contentType := buildMultipartBody(t, "image/png", pngFixture(t))
	resp := s.post(t, "/detect_smile", body, contentType)
	if ct := resp.Header().Get("Content-Type"); resp.Code != http.StatusOK || ct != "image/jpeg" {
		t.Fatalf("expected JPEG response, got %d %q", resp.Code, ct)
	}

	body, contentType = buildMultipartBody(t, "image/png", pngFixture(t))
	resp = s.post(t, "/detect_smile?format=json", body, contentType)
	if resp.Code != http.StatusOK || !strings.HasPrefix(resp.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected JSON override, got %d %q", resp.Code, resp.Header().Get("Content-Type"))
	}
	s.assertNoTempFiles(t)
}

func TestDetectSmileInternalFailures(t *testing.T) {
	s := newTestServer(t, &stubOracle{err: errors.New("landmark service unavailable")}, Options{})
	body, contentType := buildMultipartBody(t, "image/png", pngFixture(t))
	resp := s.post(t, "/detect_smile", body, contentType)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if got := decodeJSON(t, resp); !strings.Contains(got["error"].(string), "landmark service unavailable") {
		t.Fatalf("expected failure message, got %v", got)
	}

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	s = newTestServer(t, &stubOracle{faces: []landmarks.Face{exampleFace(0)}}, Options{TempDir: missing})
	body, contentType = buildMultipartBody(t, "image/png", pngFixture(t))
	resp = s.post(t, "/detect_smile/annotated", body, contentType)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the temp file cannot be created, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}
