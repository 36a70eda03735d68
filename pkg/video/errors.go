package video

import (
	"errors"
	"fmt"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
)

var (
	//ErrSourceUnavailable is returned when the input video cannot be opened or decoded
	ErrSourceUnavailable = errors.New("source unavailable")
	//ErrEndOfStream is returned by FrameSource.Next once every frame was read
	ErrEndOfStream = errors.New("end of stream")
	//ErrSourceTruncated is returned by VideoFileSource.Next when decoding stops short of the announced frame count
	ErrSourceTruncated = errors.New("source ended early")
	//ErrInference is the adapter failure, shared with the inference package so errors.Is works on either
	ErrInference = inference.ErrInference
	//ErrSink is returned when the output encoder cannot be opened, written or finalized
	ErrSink = errors.New("sink failed")
	//ErrDimensionMismatch is returned when a frame's geometry differs from the one the encoder was opened with
	ErrDimensionMismatch = errors.New("frame dimensions do not match the output geometry")
	//ErrSinkClosed is returned by FrameSink.Write after Close
	ErrSinkClosed = errors.New("sink is closed")
)

//PipelineError is returned by Pipeline.Run when a run ends on a failure. Status tells which step failed
type PipelineError struct {
	Status TerminalStatus
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Status, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
