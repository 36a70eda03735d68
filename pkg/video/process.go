package video

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"github.com/chenBenjamin97/object-tracker/pkg/utils"
	"gocv.io/x/gocv"
)

//FrameProcessor turns a decoded frame into an AnnotatedFrame: resize, infer, render, in that order
type FrameProcessor struct {
	adapter inference.Adapter
	width   int
	height  int
}

func NewFrameProcessor(adapter inference.Adapter) *FrameProcessor {
	return &FrameProcessor{adapter: adapter, width: utils.CanonicalWidth, height: utils.CanonicalHeight}
}

//Process never modifies frame. The returned AnnotatedFrame owns a new Mat the caller must close.
//state is only used in track mode.
func (p *FrameProcessor) Process(ctx context.Context, index int, frame gocv.Mat, cfg PipelineConfig, state inference.TrackerState) (*AnnotatedFrame, error) {
	if frame.Empty() || frame.Cols() <= 0 || frame.Rows() <= 0 {
		return nil, fmt.Errorf("%w: frame %d is empty", ErrInference, index)
	}

	//fixed 16:9, the source aspect ratio is not preserved
	resized := gocv.NewMat()
	gocv.Resize(frame, &resized, image.Pt(p.width, p.height), 0, 0, gocv.InterpolationLinear)

	req := inference.Request{Confidence: cfg.Confidence(), Mode: cfg.Mode()}
	if cfg.Mode() == inference.ModeTrack {
		req.State = state
	}

	res, err := p.adapter.Infer(ctx, resized, req)
	if err != nil {
		resized.Close()
		//context errors are a cancellation only when our own ctx is done, an adapter's internal timeout is a failure
		if errors.Is(err, ErrInference) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: frame %d, got '%v'", ErrInference, index, err)
	}
	if res == nil {
		resized.Close()
		return nil, fmt.Errorf("%w: frame %d, adapter returned no result", ErrInference, index)
	}

	dets := inference.FilterByConfidence(res.Detections, cfg.Confidence())
	plotDetections(&resized, dets)

	return &AnnotatedFrame{Index: index, Mat: resized, Detections: dets}, nil
}
