package inference

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/chenBenjamin97/object-tracker/pkg/tracker"
	"gocv.io/x/gocv"
)

//ONNXDetector runs a YOLOv8 model exported to ONNX with OpenCV's DNN module on the CPU
type ONNXDetector struct {
	net        gocv.Net
	classNames []string
	inputSize  int
	minScore   float64
	nmsIoU     float64
	mu         sync.Mutex
}

//ONNXOptions tune the detector. Zero values fall back to the defaults used by the YOLOv8 exporter
type ONNXOptions struct {
	InputSize int     //square network input, 640
	MinScore  float64 //candidates below are dropped before NMS, 0.1
	NMSIoU    float64 //overlap above which the weaker box of the same class is suppressed, 0.7
}

func NewONNXDetector(modelPath, namesPath string, opts ONNXOptions) (*ONNXDetector, error) {
	if opts.InputSize <= 0 {
		opts.InputSize = 640
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.1
	}
	if opts.NMSIoU <= 0 {
		opts.NMSIoU = 0.7
	}

	names, err := readClassNames(namesPath)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("NewONNXDetector: could not load model '%s'", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &ONNXDetector{
		net:        net,
		classNames: names,
		inputSize:  opts.InputSize,
		minScore:   opts.MinScore,
		nmsIoU:     opts.NMSIoU,
	}, nil
}

func readClassNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("readClassNames: could not read class names, got '%v'", err)
	}
	names := make([]string, 0)
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("readClassNames: '%s' holds no class names", path)
	}
	return names, nil
}

//Detect implements Detector. Boxes are returned in the coordinates of the given frame
func (d *ONNXDetector) Detect(frame gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	//YOLOv8 output is [1, 4+classes, candidates]
	size := output.Size()
	if len(size) != 3 || size[1] <= 4 {
		return nil, fmt.Errorf("ONNXDetector: unexpected output shape %v", size)
	}
	attrs, candidates := size[1], size[2]

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("ONNXDetector: could not read output, got '%v'", err)
	}
	if len(data) < attrs*candidates {
		return nil, errors.New("ONNXDetector: truncated output")
	}

	rows := make([][]float32, candidates)
	for i := range rows {
		row := make([]float32, attrs)
		for j := 0; j < attrs; j++ {
			row[j] = data[j*candidates+i]
		}
		rows[i] = row
	}

	scaleX := float64(frame.Cols()) / float64(d.inputSize)
	scaleY := float64(frame.Rows()) / float64(d.inputSize)
	dets := decodeYOLOv8(rows, scaleX, scaleY, d.classNames, d.minScore)
	return NonMaxSuppression(dets, d.nmsIoU), nil
}

func (d *ONNXDetector) Close() error {
	return d.net.Close()
}

//decodeYOLOv8 turns candidate rows [cx, cy, w, h, score per class...] in network input space into detections
//in frame space, keeping the best class of each candidate when it reaches minScore
func decodeYOLOv8(rows [][]float32, scaleX, scaleY float64, names []string, minScore float64) []Detection {
	dets := make([]Detection, 0)
	for _, row := range rows {
		if len(row) <= 4 {
			continue
		}
		classID, best := 0, float32(-1)
		for c, s := range row[4:] {
			if s > best {
				classID, best = c, s
			}
		}
		if float64(best) < minScore {
			continue
		}

		cx, cy, w, h := float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
		box := image.Rect(
			round((cx-w/2)*scaleX),
			round((cy-h/2)*scaleY),
			round((cx+w/2)*scaleX),
			round((cy+h/2)*scaleY),
		)

		label := fmt.Sprintf("class %d", classID)
		if classID < len(names) {
			label = names[classID]
		}
		dets = append(dets, Detection{Box: box, ClassID: classID, Label: label, Score: float64(best)})
	}
	return dets
}

//NonMaxSuppression keeps, per class, the highest scoring box of every group overlapping above iouThresh.
//Survivors are returned by descending score.
func NonMaxSuppression(dets []Detection, iouThresh float64) []Detection {
	sorted := append([]Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && sorted[j].ClassID == sorted[i].ClassID && tracker.IoU(sorted[i].Box, sorted[j].Box) > iouThresh {
				suppressed[j] = true
			}
		}
	}
	return kept
}
