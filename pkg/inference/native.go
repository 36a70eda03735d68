package inference

import (
	"context"
	"fmt"

	"github.com/chenBenjamin97/object-tracker/pkg/tracker"
	"gocv.io/x/gocv"
)

//Detector finds objects in a single frame. Implementations may return detections below any threshold,
//filtering is done by the adapter.
type Detector interface {
	Detect(frame gocv.Mat) ([]Detection, error)
}

//NativeAdapter runs a Detector in-process and associates its detections with pkg/tracker when tracking
type NativeAdapter struct {
	detector Detector
}

func NewNativeAdapter(detector Detector) *NativeAdapter {
	return &NativeAdapter{detector: detector}
}

type nativeState struct {
	algo    TrackerAlgorithm
	tracker *tracker.Tracker
}

func (s *nativeState) Algorithm() TrackerAlgorithm {
	return s.algo
}

//NewTrackerState returns a fresh tracker with the defaults of the chosen algorithm
func (a *NativeAdapter) NewTrackerState(algo TrackerAlgorithm) (TrackerState, error) {
	switch algo {
	case TrackerByteTrack:
		return &nativeState{algo: algo, tracker: tracker.New(tracker.ByteTrackConfig())}, nil
	case TrackerBotSort:
		return &nativeState{algo: algo, tracker: tracker.New(tracker.BotSortConfig())}, nil
	}
	return nil, fmt.Errorf("NativeAdapter: unsupported tracker '%v'", algo)
}

func (a *NativeAdapter) Infer(ctx context.Context, frame gocv.Mat, req Request) (*Result, error) {
	if err := validateRequest(frame, req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dets, err := a.detector.Detect(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	if req.Mode == ModeDetect {
		return &Result{Detections: FilterByConfidence(dets, req.Confidence)}, nil
	}

	state, ok := req.State.(*nativeState)
	if !ok {
		return nil, fmt.Errorf("%w: tracker state %T was not created by this adapter", ErrInference, req.State)
	}

	//the tracker sees every detection so low-score boxes can extend tracks, the caller only gets the kept ones
	obs := make([]tracker.Observation, len(dets))
	for i, d := range dets {
		obs[i] = tracker.Observation{Box: d.Box, Score: d.Score, ClassID: d.ClassID}
	}
	for i, id := range state.tracker.Update(obs) {
		dets[i].TrackID = id
	}

	return &Result{Detections: FilterByConfidence(dets, req.Confidence)}, nil
}
