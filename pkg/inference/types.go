package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"gocv.io/x/gocv"
)

//ErrInference marks any failure of the detector/tracker capability. It is fatal for the run that hit it
var ErrInference = errors.New("inference failed")

//Mode selects between stateless detection and stateful tracking
type Mode int

const (
	ModeDetect Mode = iota
	ModeTrack
)

func (m Mode) String() string {
	switch m {
	case ModeDetect:
		return "detect"
	case ModeTrack:
		return "track"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

//ParseMode accepts "detect"/"detection" and "track"/"tracking", case insensitive
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "detect", "detection":
		return ModeDetect, nil
	case "track", "tracking":
		return ModeTrack, nil
	}
	return 0, fmt.Errorf("ParseMode: unknown mode '%s'", s)
}

//TrackerAlgorithm is the association algorithm used in ModeTrack. TrackerNone is only valid with ModeDetect
type TrackerAlgorithm int

const (
	TrackerNone TrackerAlgorithm = iota
	TrackerByteTrack
	TrackerBotSort
)

func (a TrackerAlgorithm) String() string {
	switch a {
	case TrackerNone:
		return "none"
	case TrackerByteTrack:
		return "bytetrack"
	case TrackerBotSort:
		return "botsort"
	default:
		return fmt.Sprintf("TrackerAlgorithm(%d)", int(a))
	}
}

//ConfigName is the tracker configuration file name model workers expect ("bytetrack.yaml", "botsort.yaml")
func (a TrackerAlgorithm) ConfigName() string {
	switch a {
	case TrackerByteTrack, TrackerBotSort:
		return a.String() + ".yaml"
	default:
		return ""
	}
}

//ParseTrackerAlgorithm accepts the algorithm name with or without the ".yaml" suffix. Empty string means TrackerNone
func ParseTrackerAlgorithm(s string) (TrackerAlgorithm, error) {
	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".yaml")
	switch name {
	case "", "none":
		return TrackerNone, nil
	case "bytetrack":
		return TrackerByteTrack, nil
	case "botsort":
		return TrackerBotSort, nil
	}
	return TrackerNone, fmt.Errorf("ParseTrackerAlgorithm: unknown tracker '%s'", s)
}

//Detection is one object found in a frame. TrackID is 0 when the object carries no track identity
type Detection struct {
	Box     image.Rectangle
	ClassID int
	Label   string
	Score   float64
	TrackID int
	Mask    []image.Point //optional segmentation polygon, frame coordinates
}

//Result holds the detections of one frame, already filtered by the requested confidence
type Result struct {
	Detections []Detection
}

//TrackerState is owned by the adapter that created it. One state carries identities across all frames of one run
type TrackerState interface {
	Algorithm() TrackerAlgorithm
}

//Request describes one inference call. State must be set in ModeTrack and is ignored in ModeDetect
type Request struct {
	Confidence float64
	Mode       Mode
	State      TrackerState
}

//Adapter is the detection/tracking capability the pipeline calls once per frame.
//Implementations must return only detections whose Score >= req.Confidence.
type Adapter interface {
	NewTrackerState(algo TrackerAlgorithm) (TrackerState, error)
	Infer(ctx context.Context, frame gocv.Mat, req Request) (*Result, error)
}

//FilterByConfidence keeps detections with Score >= threshold, preserving order. The input slice is not modified
func FilterByConfidence(dets []Detection, threshold float64) []Detection {
	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Score >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}

func validateRequest(frame gocv.Mat, req Request) error {
	if frame.Empty() || frame.Cols() <= 0 || frame.Rows() <= 0 {
		return fmt.Errorf("%w: empty frame", ErrInference)
	}
	if req.Mode == ModeTrack && req.State == nil {
		return fmt.Errorf("%w: track mode requires a tracker state", ErrInference)
	}
	return nil
}
