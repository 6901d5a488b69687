package handlers

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/stats"
	"github.com/Brownie44l1/segcam/internal/viewer"
)

func newTestHandler(withViewer bool) (*Handler, *stats.Counters, *viewer.Viewer) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := stats.New(16)
	var v *viewer.Viewer
	if withViewer {
		v = viewer.New(config.Default().Viewer, frame.Linear, logger)
	}
	return NewHandler(st, v, "onnx/cpu", logger), st, v
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(false)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"status": "healthy", "model": "onnx/cpu"}, body)
}

func TestHealthRejectsPost(t *testing.T) {
	h, _, _ := newTestHandler(false)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPreflight(t *testing.T) {
	h, _, _ := newTestHandler(false)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestStats(t *testing.T) {
	h, st, _ := newTestHandler(false)
	st.Captured.Add(12)
	st.Reused.Add(5)
	st.ObserveInference(20 * time.Millisecond)
	st.Sink("output").Delivered.Add(3)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(12), snap.Captured)
	assert.Equal(t, uint64(5), snap.Reused)
	assert.Equal(t, 1, snap.InferenceMs.Count)
	assert.Equal(t, uint64(3), snap.Sinks["output"].Delivered)
}

func TestPreviewRoutesNeedViewer(t *testing.T) {
	h, _, _ := newTestHandler(false)
	for _, path := range []string{"/", "/ws", "/snapshot.jpg"} {
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestIndex(t *testing.T) {
	h, _, _ := newTestHandler(true)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `"/ws?panel="`)

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshot(t *testing.T) {
	h, _, v := newTestHandler(true)
	mux := h.Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts := time.Now()
	require.NoError(t, v.Consume(frame.Composite{
		Seq:       1,
		Timestamp: ts,
		Frame:     frame.Blank(64, 48, frame.RGBA, ts),
		Low:       frame.Blank(16, 16, frame.RGBA, ts),
	}))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg?panel=low", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	img, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg?panel=depth", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
