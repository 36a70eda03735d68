package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"github.com/chenBenjamin97/object-tracker/pkg/video"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

//fakeRunner writes frames through the observer and blocks until released or cancelled
type fakeRunner struct {
	frames  int
	release chan struct{}
	panics  bool

	mu   sync.Mutex
	reqs []video.RunRequest
}

func (f *fakeRunner) Execute(ctx context.Context, req video.RunRequest) (video.RunSummary, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	summary := video.RunSummary{RunID: req.ID, SourcePath: req.SourcePath, OutputPath: req.OutputPath, StartedAt: time.Now()}
	req.Observer.StateChanged(video.StateOpened)
	req.Observer.StateChanged(video.StateLooping)

	for i := 1; i <= f.frames; i++ {
		mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 128, 255, 0), 405, 720, gocv.MatTypeCV8UC3)
		req.Observer.FrameWritten(&video.AnnotatedFrame{Index: i, Mat: mat})
		mat.Close()
		summary.FramesProcessed++
	}
	if f.panics {
		panic("model worker vanished")
	}

	summary.Status = video.StatusEndOfStream
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			summary.Status = video.StatusCancelled
		}
	}

	req.Observer.StateChanged(video.StateClosing)
	req.Observer.StateChanged(video.StateClosed)
	summary.FinishedAt = time.Now()
	return summary, nil
}

func (f *fakeRunner) requests() []video.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]video.RunRequest(nil), f.reqs...)
}

type testServer struct {
	router *gin.Engine
	runs   *RunManager
	source string
	ready  string
}

func newTestServer(t *testing.T, runner Runner) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	source := filepath.Join(root, "source")
	ready := filepath.Join(root, "ready")
	require.NoError(t, os.Mkdir(source, 0766))
	require.NoError(t, os.Mkdir(ready, 0766))

	viper.Reset()
	viper.Set("directory.source", source)
	viper.Set("directory.ready", ready)
	viper.Set("pipeline.default_confidence", 0.5)
	viper.Set("pipeline.default_tracker", "bytetrack")
	t.Cleanup(viper.Reset)

	runs := NewRunManager(context.Background(), runner)
	t.Cleanup(runs.Shutdown)

	return &testServer{router: SetRouter(runs), runs: runs, source: source, ready: ready}
}

func (s *testServer) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) detect(t *testing.T, body string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/Detect", []byte(body))
	var resp struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp.ID
}

func (s *testServer) addSource(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.source, name), []byte("not really a video"), 0644))
}

func waitRun(t *testing.T, runs *RunManager, id string) RunStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := runs.Wait(ctx, id)
	require.NoError(t, err)
	return status
}

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		in      float64
		want    float64
		wantErr bool
	}{
		{in: 0, want: 0},
		{in: 0.35, want: 0.35},
		{in: 1, want: 1},
		{in: 25, want: 0.25},
		{in: 100, want: 1},
		{in: 10, wantErr: true},
		{in: -0.1, wantErr: true},
		{in: 101, wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeConfidence(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "%v", tt.in)
	}
}

func TestDetectStartsRun(t *testing.T) {
	runner := &fakeRunner{frames: 3}
	s := newTestServer(t, runner)
	s.addSource(t, "game.mp4")

	w, id := s.detect(t, `{"name":"game.mp4","mode":"track","confidence":40,"tracker":"botsort.yaml"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.NotEmpty(t, id)

	status := waitRun(t, s.runs, id)
	assert.Equal(t, video.StatusEndOfStream, status.Status)
	assert.Equal(t, 3, status.FramesProcessed)
	assert.Equal(t, "closed", status.State)

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].ID)
	assert.Equal(t, filepath.Join(s.source, "game.mp4"), reqs[0].SourcePath)
	assert.Equal(t, filepath.Join(s.ready, "game.avi"), reqs[0].OutputPath)
	assert.Equal(t, inference.ModeTrack, reqs[0].Config.Mode())
	assert.Equal(t, inference.TrackerBotSort, reqs[0].Config.Tracker())
	assert.InDelta(t, 0.4, reqs[0].Config.Confidence(), 1e-9)
}

func TestDetectDefaults(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, runner)
	s.addSource(t, "game.mp4")

	w, id := s.detect(t, `{"name":"game.mp4","mode":"track"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	waitRun(t, s.runs, id)

	cfg := runner.requests()[0].Config
	assert.Equal(t, inference.TrackerByteTrack, cfg.Tracker())
	assert.Equal(t, 0.5, cfg.Confidence())
}

func TestDetectRejects(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})
	s.addSource(t, "game.mp4")

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "unknown video", body: `{"name":"other.mp4"}`, code: http.StatusNotFound},
		{name: "missing name", body: `{"mode":"detect"}`, code: http.StatusNotAcceptable},
		{name: "path escape", body: `{"name":"../config.yaml"}`, code: http.StatusNotAcceptable},
		{name: "unknown mode", body: `{"name":"game.mp4","mode":"segment"}`, code: http.StatusNotAcceptable},
		{name: "tracker in detect mode", body: `{"name":"game.mp4","mode":"detect","tracker":"botsort"}`, code: http.StatusNotAcceptable},
		{name: "unknown tracker", body: `{"name":"game.mp4","mode":"track","tracker":"sort"}`, code: http.StatusNotAcceptable},
		{name: "bad confidence", body: `{"name":"game.mp4","confidence":7}`, code: http.StatusNotAcceptable},
		{name: "not json", body: `name=game.mp4`, code: http.StatusNotAcceptable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.detect(t, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, s.runs.List())
}

func TestSingleActiveRun(t *testing.T) {
	runner := &fakeRunner{frames: 1, release: make(chan struct{})}
	s := newTestServer(t, runner)
	s.addSource(t, "game.mp4")
	s.addSource(t, "match.mp4")

	w, first := s.detect(t, `{"name":"game.mp4"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w, _ = s.detect(t, `{"name":"match.mp4"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(runner.release)
	waitRun(t, s.runs, first)

	w, second := s.detect(t, `{"name":"match.mp4"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitRun(t, s.runs, second)

	w = s.do(t, http.MethodGet, "/api/Runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0]["id"])
	assert.Equal(t, second, list[1]["id"])
	assert.Equal(t, "end_of_stream", list[0]["status"])
}

func TestCancelRun(t *testing.T) {
	runner := &fakeRunner{frames: 2, release: make(chan struct{})}
	s := newTestServer(t, runner)
	s.addSource(t, "game.mp4")

	_, id := s.detect(t, `{"name":"game.mp4"}`)
	require.NotEmpty(t, id)

	w := s.do(t, http.MethodDelete, "/api/Runs/"+id, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	status := waitRun(t, s.runs, id)
	assert.Equal(t, video.StatusCancelled, status.Status)
	assert.Empty(t, s.runs.Active())

	w = s.do(t, http.MethodDelete, "/api/Runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunStatusAndPreview(t *testing.T) {
	runner := &fakeRunner{frames: 2, release: make(chan struct{})}
	s := newTestServer(t, runner)
	s.addSource(t, "game.mp4")

	_, id := s.detect(t, `{"name":"game.mp4","confidence":0.3}`)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		status, err := s.runs.Status(id)
		return err == nil && status.FramesProcessed == 2
	}, 5*time.Second, 10*time.Millisecond)

	w := s.do(t, http.MethodGet, "/api/Runs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "running", status["status"])
	assert.Equal(t, "looping", status["state"])
	assert.Equal(t, "mode=detect conf=0.30", status["config"])

	w = s.do(t, http.MethodGet, "/api/Runs/"+id+"/Preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte{0xFF, 0xD8}), "JPEG magic")

	close(runner.release)
	waitRun(t, s.runs, id)

	w = s.do(t, http.MethodGet, "/api/Runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/Runs/nope/Preview", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPreviewBeforeFirstFrame(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := newTestServer(t, runner)
	s.addSource(t, "game.mp4")

	_, id := s.detect(t, `{"name":"game.mp4"}`)
	w := s.do(t, http.MethodGet, "/api/Runs/"+id+"/Preview", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	close(runner.release)
	waitRun(t, s.runs, id)
}

func TestRunPanicIsRecorded(t *testing.T) {
	s := newTestServer(t, &fakeRunner{frames: 1, panics: true})
	s.addSource(t, "game.mp4")

	_, id := s.detect(t, `{"name":"game.mp4"}`)
	status := waitRun(t, s.runs, id)
	assert.Equal(t, video.StatusInferenceFatal, status.Status)
	assert.Contains(t, status.Error, "model worker vanished")
	assert.Equal(t, 1, status.FramesProcessed)
	assert.Empty(t, s.runs.Active())
}

func TestVideoListsAndPlay(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})
	s.addSource(t, "game.mp4")
	require.NoError(t, os.WriteFile(filepath.Join(s.ready, "game.avi"), []byte("RIFF"), 0644))

	w := s.do(t, http.MethodGet, "/api/SourceVideosNames", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["game.mp4"]`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/ReadyVideosNames", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["game.avi"]`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/Play?name=game.mp4&analyzed=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/x-msvideo", w.Header().Get("Content-Type"))
	assert.Equal(t, "RIFF", w.Body.String())

	w = s.do(t, http.MethodGet, "/api/Play?name=game.mp4&analyzed=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not really a video", w.Body.String())

	w = s.do(t, http.MethodGet, "/api/Play?name=other.mp4&analyzed=false", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/Play?name=game.mp4", nil)
	assert.Equal(t, http.StatusNotAcceptable, w.Code)
	w = s.do(t, http.MethodGet, "/api/Play?name=../secret&analyzed=false", nil)
	assert.Equal(t, http.StatusNotAcceptable, w.Code)
}

func TestUpload(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})

	upload := func(name string) *httptest.ResponseRecorder {
		body := &bytes.Buffer{}
		form := multipart.NewWriter(body)
		part, err := form.CreateFormFile("video", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("frames"))
		require.NoError(t, err)
		require.NoError(t, form.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/Upload", body)
		req.Header.Set("Content-Type", form.FormDataContentType())
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	w := upload("clip.mp4")
	require.Equal(t, http.StatusCreated, w.Code)
	data, err := os.ReadFile(filepath.Join(s.source, "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))

	w = upload("clip.mp4")
	assert.Equal(t, http.StatusNotAcceptable, w.Code)

	w = s.do(t, http.MethodPost, "/api/Upload", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
