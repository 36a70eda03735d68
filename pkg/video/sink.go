package video

import (
	"fmt"

	"github.com/chenBenjamin97/object-tracker/pkg/utils"
	"gocv.io/x/gocv"
)

//Encoder appends frames to an output video. *gocv.VideoWriter satisfies it
type Encoder interface {
	Write(frame gocv.Mat) error
	Close() error
}

//EncoderOpener creates an Encoder for a fixed geometry
type EncoderOpener func(path string, fps float64, width, height int) (Encoder, error)

//OpenVideoWriter is the default EncoderOpener, writing MJPG frames
func OpenVideoWriter(path string, fps float64, width, height int) (Encoder, error) {
	writer, err := gocv.VideoWriterFile(path, utils.OutputCodec, fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, fmt.Errorf("OpenVideoWriter: could not open '%s' for writing", path)
	}
	return writer, nil
}

//SinkState is the stage of a FrameSink
type SinkState int

const (
	SinkUninitialized SinkState = iota
	SinkInitialized
	SinkClosed
)

func (s SinkState) String() string {
	switch s {
	case SinkUninitialized:
		return "uninitialized"
	case SinkInitialized:
		return "initialized"
	case SinkClosed:
		return "closed"
	default:
		return fmt.Sprintf("SinkState(%d)", int(s))
	}
}

//FrameSink writes annotated frames to one output file. The encoder is opened by the first Write, whose frame
//fixes the geometry for the rest of the run.
type FrameSink struct {
	path   string
	fps    float64
	open   EncoderOpener
	state  SinkState
	enc    Encoder
	width  int
	height int
	frames int
}

func NewFrameSink(path string, open EncoderOpener) *FrameSink {
	if open == nil {
		open = OpenVideoWriter
	}
	return &FrameSink{path: path, fps: utils.OutputFPS, open: open}
}

func (s *FrameSink) Write(frame *AnnotatedFrame) error {
	width, height := frame.Width(), frame.Height()

	switch s.state {
	case SinkClosed:
		return ErrSinkClosed
	case SinkUninitialized:
		if s.path == "" {
			return fmt.Errorf("%w: empty output path", ErrSink)
		}
		if width <= 0 || height <= 0 {
			return fmt.Errorf("%w: cannot open encoder for a %dx%d frame", ErrSink, width, height)
		}
		enc, err := s.open(s.path, s.fps, width, height)
		if err != nil {
			return fmt.Errorf("%w: could not open '%s', got '%v'", ErrSink, s.path, err)
		}
		s.enc, s.width, s.height = enc, width, height
		s.state = SinkInitialized
	case SinkInitialized:
		if width != s.width || height != s.height {
			return fmt.Errorf("%w: %w: got %dx%d, encoder is %dx%d", ErrSink, ErrDimensionMismatch, width, height, s.width, s.height)
		}
	}

	if err := s.enc.Write(frame.Mat); err != nil {
		return fmt.Errorf("%w: could not write frame %d, got '%v'", ErrSink, frame.Index, err)
	}
	s.frames++
	return nil
}

//Close finalizes the output file. It is valid in every state and only the first call has an effect
func (s *FrameSink) Close() error {
	if s.state == SinkClosed {
		return nil
	}
	s.state = SinkClosed
	if s.enc == nil {
		return nil
	}
	enc := s.enc
	s.enc = nil
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: could not finalize '%s', got '%v'", ErrSink, s.path, err)
	}
	return nil
}

func (s *FrameSink) State() SinkState {
	return s.state
}

//Written is the number of frames appended to the output
func (s *FrameSink) Written() int {
	return s.frames
}

//Geometry is the frame size fixed by the first write, 0x0 before it
func (s *FrameSink) Geometry() (width, height int) {
	return s.width, s.height
}

func (s *FrameSink) Path() string {
	return s.path
}
