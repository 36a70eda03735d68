package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

//Pipeline runs the read -> process -> write loop over one video at a time
type Pipeline struct {
	adapter     inference.Adapter
	processor   *FrameProcessor
	openSource  SourceOpener
	openEncoder EncoderOpener
}

type Option func(*Pipeline)

//WithSourceOpener replaces the OpenCV file decoder
func WithSourceOpener(open SourceOpener) Option {
	return func(p *Pipeline) {
		p.openSource = open
	}
}

//WithEncoderOpener replaces the OpenCV MJPG writer
func WithEncoderOpener(open EncoderOpener) Option {
	return func(p *Pipeline) {
		p.openEncoder = open
	}
}

//NewPipeline builds a pipeline around an already initialized adapter
func NewPipeline(adapter inference.Adapter, opts ...Option) *Pipeline {
	p := &Pipeline{
		adapter:     adapter,
		processor:   NewFrameProcessor(adapter),
		openSource:  OpenVideoFile,
		openEncoder: OpenVideoWriter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

//RunRequest describes one run. ID defaults to a random uuid, Observer may be nil
type RunRequest struct {
	ID         string
	SourcePath string
	OutputPath string
	Config     PipelineConfig
	Observer   Observer
}

//Run processes sourcePath into outputPath, see Execute
func (p *Pipeline) Run(ctx context.Context, sourcePath, outputPath string, cfg PipelineConfig) (RunSummary, error) {
	return p.Execute(ctx, RunRequest{SourcePath: sourcePath, OutputPath: outputPath, Config: cfg})
}

//Execute runs the whole pipeline for one video. Frames are read, processed and written strictly one at a time.
//
//The source and the sink are released exactly once on every exit path, sink first. Whatever was written before a
//failure stays in the output file. A sink that fails to finalize turns a run that reached the end of the stream
//into a sink failure; cancelled and already failed runs keep their status.
//
//A failed run returns its summary together with a *PipelineError; reaching the end of the stream or being
//cancelled through ctx return a nil error.
func (p *Pipeline) Execute(ctx context.Context, req RunRequest) (summary RunSummary, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	summary = RunSummary{
		RunID:      req.ID,
		SourcePath: req.SourcePath,
		OutputPath: req.OutputPath,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}
	notify := func(state RunState) {
		if req.Observer != nil {
			req.Observer.StateChanged(state)
		}
	}
	cfg := req.Config

	if req.OutputPath == "" {
		return p.fail(summary, StatusSinkFatal, fmt.Errorf("%w: empty output path", ErrSink))
	}

	src, err := p.openSource(req.SourcePath)
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return p.fail(summary, StatusSourceUnavailable, err)
	}
	notify(StateOpened)
	if withInfo, ok := src.(interface{ Info() SourceInfo }); ok {
		info := withInfo.Info()
		log.Printf("Pipeline: run %s opened '%s' (%dx%d, %.2f fps, %d frames), %v", req.ID, req.SourcePath, info.Width, info.Height, info.FPS, info.FrameCount, cfg)
	} else {
		log.Printf("Pipeline: run %s opened '%s', %v", req.ID, req.SourcePath, cfg)
	}

	sink := NewFrameSink(req.OutputPath, p.openEncoder)
	var state inference.TrackerState

	defer func() {
		notify(StateClosing)

		if closeErr := sink.Close(); closeErr != nil {
			log.Printf("Pipeline: run %s, got '%v'", req.ID, closeErr)
			//an earlier failure or a cancellation keeps its status
			if summary.Err == nil && summary.Status != StatusCancelled {
				summary.Status = StatusSinkFatal
				summary.Err = closeErr
			}
		}
		if closer, ok := state.(io.Closer); ok {
			if closeErr := closer.Close(); closeErr != nil {
				log.Printf("Pipeline: run %s could not release tracker state, got '%v'", req.ID, closeErr)
			}
		}
		if closeErr := src.Close(); closeErr != nil {
			log.Printf("Pipeline: run %s could not close source, got '%v'", req.ID, closeErr)
		}

		summary.FramesProcessed = sink.Written()
		summary.FinishedAt = time.Now()
		notify(StateClosed)

		if summary.Err != nil {
			err = &PipelineError{Status: summary.Status, Err: summary.Err}
		}
		log.Printf("Pipeline: run %s finished, %s: %s, output '%s'", req.ID, summary.Status, summary.Cause(), req.OutputPath)
	}()

	if cfg.Mode() == inference.ModeTrack {
		//one state for the whole run, identities depend on it
		if state, err = p.adapter.NewTrackerState(cfg.Tracker()); err != nil {
			summary.Status = StatusInferenceFatal
			summary.Err = fmt.Errorf("%w: could not create tracker state, got '%v'", ErrInference, err)
			return summary, nil
		}
	}

	frame := gocv.NewMat()
	defer frame.Close()

	notify(StateLooping)

mainLoop:
	for index := 1; ; index++ {
		if ctx.Err() != nil {
			summary.Status = StatusCancelled
			break mainLoop
		}

		if err := src.Next(&frame); err != nil {
			if errors.Is(err, ErrEndOfStream) {
				summary.Status = StatusEndOfStream
			} else {
				summary.Status = StatusSourceError
				summary.Err = fmt.Errorf("reading frame %d, got '%w'", index, err)
			}
			break mainLoop
		}

		annotated, err := p.processor.Process(ctx, index, frame, cfg, state)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				summary.Status = StatusCancelled
			} else {
				summary.Status = StatusInferenceFatal
				summary.Err = err
			}
			break mainLoop
		}

		writeErr := sink.Write(annotated)
		if writeErr == nil && req.Observer != nil {
			req.Observer.FrameWritten(annotated)
		}
		annotated.Close()
		if writeErr != nil {
			summary.Status = StatusSinkFatal
			summary.Err = writeErr
			break mainLoop
		}
	}

	return summary, nil
}

func (p *Pipeline) fail(summary RunSummary, status TerminalStatus, err error) (RunSummary, error) {
	summary.Status = status
	summary.Err = err
	summary.FinishedAt = time.Now()
	log.Printf("Pipeline: run %s could not start, got '%v'", summary.RunID, err)
	return summary, &PipelineError{Status: status, Err: err}
}
