package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chenBenjamin97/object-tracker/pkg/utils"
	"github.com/chenBenjamin97/object-tracker/pkg/video"
	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

var (
	//ErrRunActive is returned by Start while another run has not finished
	ErrRunActive = errors.New("a run is already active")
	//ErrUnknownRun is returned for ids this process never started
	ErrUnknownRun = errors.New("unknown run")
)

//Runner executes one pipeline run synchronously. *video.Pipeline satisfies it
type Runner interface {
	Execute(ctx context.Context, req video.RunRequest) (video.RunSummary, error)
}

//RunStatus is the JSON view of a run, finished or not
type RunStatus struct {
	video.RunSummary
	State  string `json:"state"`
	Config string `json:"config"`
	Error  string `json:"error,omitempty"`
}

//RunManager starts runs in the background, one at a time, and keeps their status for the lifetime of the process
type RunManager struct {
	runner Runner
	ctx    context.Context

	mu     sync.Mutex
	runs   map[string]*runRecord
	order  []string
	active string
	wg     sync.WaitGroup
}

//NewRunManager runs every pipeline under ctx, cancelling ctx cancels them all
func NewRunManager(ctx context.Context, runner Runner) *RunManager {
	return &RunManager{
		runner: runner,
		ctx:    ctx,
		runs:   make(map[string]*runRecord),
	}
}

//runRecord is the Observer of one run
type runRecord struct {
	mu      sync.Mutex
	config  video.PipelineConfig
	summary video.RunSummary
	state   video.RunState
	written int
	preview []byte
	cancel  context.CancelFunc
	done    chan struct{}
}

func (r *runRecord) StateChanged(state video.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

func (r *runRecord) FrameWritten(frame *video.AnnotatedFrame) {
	jpeg, err := encodePreview(frame.Mat)
	if err != nil {
		log.Printf("RunManager: could not encode preview of frame %d, got '%v'", frame.Index, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.written++
	if jpeg != nil {
		r.preview = jpeg
	}
}

func (r *runRecord) finish(summary video.RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = summary
	r.state = video.StateClosed
}

func (r *runRecord) status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RunStatus{RunSummary: r.summary, State: r.state.String(), Config: r.config.String()}
	if s.Status == video.StatusRunning {
		s.FramesProcessed = r.written
	}
	if s.Err != nil {
		s.Error = s.Err.Error()
	}
	return s
}

func encodePreview(frame gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{int(gocv.IMWriteJpegQuality), utils.PreviewQuality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

//Start launches a run on its own goroutine and returns its id. It fails with ErrRunActive while another run is going
func (m *RunManager) Start(sourcePath, outputPath string, cfg video.PipelineConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != "" {
		return "", ErrRunActive
	}
	if err := m.ctx.Err(); err != nil {
		return "", fmt.Errorf("RunManager: shutting down, got '%v'", err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(m.ctx)
	rec := &runRecord{
		config: cfg,
		summary: video.RunSummary{
			RunID:      id,
			SourcePath: sourcePath,
			OutputPath: outputPath,
			Status:     video.StatusRunning,
			StartedAt:  time.Now(),
		},
		state:  video.StateIdle,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.runs[id] = rec
	m.order = append(m.order, id)
	m.active = id

	req := video.RunRequest{ID: id, SourcePath: sourcePath, OutputPath: outputPath, Config: cfg, Observer: rec}
	m.wg.Add(1)
	go m.run(ctx, rec, req)

	log.Printf("RunManager: started run %s on '%s', %v", id, sourcePath, cfg)
	return id, nil
}

func (m *RunManager) run(ctx context.Context, rec *runRecord, req video.RunRequest) {
	var summary video.RunSummary

	defer func() {
		if r := recover(); r != nil {
			//the pipeline already released its resources while unwinding
			log.Printf("RunManager: run %s panicked, got '%v'", req.ID, r)
			summary = rec.status().RunSummary
			summary.Status = video.StatusInferenceFatal
			summary.Err = fmt.Errorf("panic: %v", r)
			summary.FinishedAt = time.Now()
		}
		rec.finish(summary)

		m.mu.Lock()
		if m.active == req.ID {
			m.active = ""
		}
		m.mu.Unlock()

		rec.cancel()
		close(rec.done)
		m.wg.Done()
	}()

	var err error
	summary, err = m.runner.Execute(ctx, req)
	if err != nil {
		log.Printf("RunManager: run %s failed, got '%v'", req.ID, err)
	}
}

//Cancel asks a run to stop. Cancelling a finished run is a no-op
func (m *RunManager) Cancel(id string) error {
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	rec.cancel()
	return nil
}

//Wait blocks until the run finished or ctx is done
func (m *RunManager) Wait(ctx context.Context, id string) (RunStatus, error) {
	rec, err := m.record(id)
	if err != nil {
		return RunStatus{}, err
	}
	select {
	case <-rec.done:
		return rec.status(), nil
	case <-ctx.Done():
		return rec.status(), ctx.Err()
	}
}

func (m *RunManager) Status(id string) (RunStatus, error) {
	rec, err := m.record(id)
	if err != nil {
		return RunStatus{}, err
	}
	return rec.status(), nil
}

//List returns every run in start order
func (m *RunManager) List() []RunStatus {
	m.mu.Lock()
	records := make([]*runRecord, 0, len(m.order))
	for _, id := range m.order {
		records = append(records, m.runs[id])
	}
	m.mu.Unlock()

	statuses := make([]RunStatus, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, rec.status())
	}
	return statuses
}

//Preview is the JPEG of the latest frame written by the run, nil before the first one
func (m *RunManager) Preview(id string) ([]byte, error) {
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.preview, nil
}

//Active is the id of the running run, empty when idle
func (m *RunManager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

//Shutdown cancels every run and waits for them to release their files
func (m *RunManager) Shutdown() {
	m.mu.Lock()
	for _, rec := range m.runs {
		rec.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *RunManager) record(id string) (*runRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownRun, id)
	}
	return rec, nil
}
