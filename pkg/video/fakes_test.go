package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"gocv.io/x/gocv"
)

//events records release order across fakes
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(name string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, name)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeSource struct {
	frames int
	width  int
	height int
	failAt int //1-based, 0 never
	read   int
	closes int
	events *events
}

func newFakeSource(frames int) *fakeSource {
	return &fakeSource{frames: frames, width: 1280, height: 720}
}

func (s *fakeSource) opener() SourceOpener {
	return func(path string) (FrameSource, error) {
		return s, nil
	}
}

func (s *fakeSource) Next(dst *gocv.Mat) error {
	if s.closes > 0 {
		return errors.New("fakeSource: read after close")
	}
	if s.failAt > 0 && s.read+1 == s.failAt {
		return errors.New("fakeSource: corrupt packet")
	}
	if s.read >= s.frames {
		return ErrEndOfStream
	}
	s.read++
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(s.read), 64, 128, 0), s.height, s.width, gocv.MatTypeCV8UC3)
	defer frame.Close()
	frame.CopyTo(dst)
	return nil
}

func (s *fakeSource) Close() error {
	s.closes++
	s.events.add("source")
	return nil
}

type fakeEncoder struct {
	path     string
	width    int
	height   int
	written  int
	failAt   int //1-based, 0 never
	closeErr error
	closes   int
	events   *events
}

func (e *fakeEncoder) Write(frame gocv.Mat) error {
	if e.closes > 0 {
		return errors.New("fakeEncoder: write after close")
	}
	if frame.Cols() != e.width || frame.Rows() != e.height {
		return fmt.Errorf("fakeEncoder: got %dx%d", frame.Cols(), frame.Rows())
	}
	if e.failAt > 0 && e.written+1 == e.failAt {
		return errors.New("fakeEncoder: disk full")
	}
	e.written++
	return nil
}

func (e *fakeEncoder) Close() error {
	e.closes++
	e.events.add("sink")
	return e.closeErr
}

//encoderFactory hands out one fakeEncoder and remembers how it was opened
type encoderFactory struct {
	enc     *fakeEncoder
	opens   int
	openErr error
}

func (f *encoderFactory) opener() EncoderOpener {
	return func(path string, fps float64, width, height int) (Encoder, error) {
		f.opens++
		if f.openErr != nil {
			return nil, f.openErr
		}
		if f.enc == nil {
			f.enc = &fakeEncoder{}
		}
		f.enc.path, f.enc.width, f.enc.height = path, width, height
		return f.enc, nil
	}
}

type fakeState struct {
	algo   inference.TrackerAlgorithm
	closes int
	events *events
}

func (s *fakeState) Algorithm() inference.TrackerAlgorithm {
	return s.algo
}

func (s *fakeState) Close() error {
	s.closes++
	s.events.add("state")
	return nil
}

//fakeAdapter returns one box per frame and can fail or panic on a given call
type fakeAdapter struct {
	failAt   int
	panicAt  int
	stateErr error
	calls    int
	states   []*fakeState
	seen     []inference.TrackerState
	sizes    []image.Point
	result   func(call int) []inference.Detection
	events   *events
	onInfer  func(call int)
	err      error
}

func (a *fakeAdapter) NewTrackerState(algo inference.TrackerAlgorithm) (inference.TrackerState, error) {
	if a.stateErr != nil {
		return nil, a.stateErr
	}
	state := &fakeState{algo: algo, events: a.events}
	a.states = append(a.states, state)
	return state, nil
}

func (a *fakeAdapter) Infer(ctx context.Context, frame gocv.Mat, req inference.Request) (*inference.Result, error) {
	a.calls++
	a.seen = append(a.seen, req.State)
	a.sizes = append(a.sizes, image.Pt(frame.Cols(), frame.Rows()))
	if a.onInfer != nil {
		a.onInfer(a.calls)
	}
	if a.panicAt == a.calls {
		panic("fakeAdapter: boom")
	}
	if a.failAt == a.calls {
		return nil, errors.New("fakeAdapter: model crashed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return &inference.Result{Detections: a.result(a.calls)}, nil
	}
	det := inference.Detection{Box: image.Rect(10, 10, 100, 200), Label: "person", Score: 0.9}
	return &inference.Result{Detections: []inference.Detection{det}}, nil
}

type recordingObserver struct {
	states  []RunState
	frames  []int
	tracks  [][]int
	onWrite func(frame *AnnotatedFrame)
}

func (o *recordingObserver) StateChanged(state RunState) {
	o.states = append(o.states, state)
}

func (o *recordingObserver) FrameWritten(frame *AnnotatedFrame) {
	o.frames = append(o.frames, frame.Index)
	ids := make([]int, 0, len(frame.Detections))
	for _, det := range frame.Detections {
		ids = append(ids, det.TrackID)
	}
	o.tracks = append(o.tracks, ids)
	if o.onWrite != nil {
		o.onWrite(frame)
	}
}

func mustConfig(mode inference.Mode, conf float64, algo inference.TrackerAlgorithm) PipelineConfig {
	cfg, err := NewPipelineConfig(mode, conf, algo)
	if err != nil {
		panic(err)
	}
	return cfg
}
