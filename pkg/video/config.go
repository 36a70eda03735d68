package video

import (
	"fmt"
	"log"
	"math"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
)

//PipelineConfig is the immutable configuration of one run. Build it with NewPipelineConfig
type PipelineConfig struct {
	mode       inference.Mode
	confidence float64
	tracker    inference.TrackerAlgorithm
}

//NewPipelineConfig validates a run configuration. A tracker algorithm is required in track mode and refused
//in detect mode. The confidence threshold is clamped into [0,1].
func NewPipelineConfig(mode inference.Mode, confidence float64, tracker inference.TrackerAlgorithm) (PipelineConfig, error) {
	switch mode {
	case inference.ModeDetect:
		if tracker != inference.TrackerNone {
			return PipelineConfig{}, fmt.Errorf("NewPipelineConfig: tracker '%v' given in detect mode", tracker)
		}
	case inference.ModeTrack:
		if tracker != inference.TrackerByteTrack && tracker != inference.TrackerBotSort {
			return PipelineConfig{}, fmt.Errorf("NewPipelineConfig: track mode needs a tracker algorithm, got '%v'", tracker)
		}
	default:
		return PipelineConfig{}, fmt.Errorf("NewPipelineConfig: unknown mode '%v'", mode)
	}

	if math.IsNaN(confidence) {
		return PipelineConfig{}, fmt.Errorf("NewPipelineConfig: confidence is not a number")
	}
	if confidence < 0 || confidence > 1 {
		clamped := math.Min(1, math.Max(0, confidence))
		log.Printf("NewPipelineConfig: confidence %v out of [0,1], using %v", confidence, clamped)
		confidence = clamped
	}

	return PipelineConfig{mode: mode, confidence: confidence, tracker: tracker}, nil
}

func (c PipelineConfig) Mode() inference.Mode {
	return c.mode
}

func (c PipelineConfig) Confidence() float64 {
	return c.confidence
}

//Tracker is TrackerNone in detect mode
func (c PipelineConfig) Tracker() inference.TrackerAlgorithm {
	return c.tracker
}

func (c PipelineConfig) String() string {
	if c.mode == inference.ModeTrack {
		return fmt.Sprintf("mode=%v tracker=%v conf=%.2f", c.mode, c.tracker, c.confidence)
	}
	return fmt.Sprintf("mode=%v conf=%.2f", c.mode, c.confidence)
}
