package video

import (
	"fmt"
	"time"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"gocv.io/x/gocv"
)

//AnnotatedFrame is a resized frame with its detections rendered on it. The pipeline owns Mat and closes it
//once the frame was written.
type AnnotatedFrame struct {
	Index      int
	Mat        gocv.Mat
	Detections []inference.Detection
}

func (f *AnnotatedFrame) Width() int {
	return f.Mat.Cols()
}

func (f *AnnotatedFrame) Height() int {
	return f.Mat.Rows()
}

func (f *AnnotatedFrame) Close() error {
	return f.Mat.Close()
}

//RunState is the lifecycle stage of one pipeline run
type RunState int

const (
	StateIdle RunState = iota
	StateOpened
	StateLooping
	StateClosing
	StateClosed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpened:
		return "opened"
	case StateLooping:
		return "looping"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

//TerminalStatus tells why a run stopped looping
type TerminalStatus int

const (
	StatusRunning TerminalStatus = iota
	StatusEndOfStream
	StatusSourceUnavailable
	StatusSourceError
	StatusInferenceFatal
	StatusSinkFatal
	StatusCancelled
)

func (s TerminalStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusEndOfStream:
		return "end_of_stream"
	case StatusSourceUnavailable:
		return "source_unavailable"
	case StatusSourceError:
		return "source_error"
	case StatusInferenceFatal:
		return "inference_fatal"
	case StatusSinkFatal:
		return "sink_fatal"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TerminalStatus(%d)", int(s))
	}
}

//MarshalText lets summaries be served as JSON with readable statuses
func (s TerminalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

//RunSummary describes a finished run. Frames written before a failure stay valid in the output file
type RunSummary struct {
	RunID           string         `json:"id"`
	SourcePath      string         `json:"source"`
	OutputPath      string         `json:"output"`
	FramesProcessed int            `json:"frames_processed"`
	Status          TerminalStatus `json:"status"`
	Err             error          `json:"-"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

//Cause is a human readable reason for the terminal status
func (s RunSummary) Cause() string {
	switch {
	case s.Err != nil:
		return s.Err.Error()
	case s.Status == StatusEndOfStream:
		return fmt.Sprintf("processed all %d frames", s.FramesProcessed)
	case s.Status == StatusCancelled:
		return fmt.Sprintf("cancelled after %d frames", s.FramesProcessed)
	default:
		return s.Status.String()
	}
}

//Observer is notified about a run's progress. Calls come from the run's goroutine and must not block for long
type Observer interface {
	StateChanged(state RunState)
	FrameWritten(frame *AnnotatedFrame)
}
