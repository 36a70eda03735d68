package video

import (
	"fmt"
	"image"
	"image/color"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"gocv.io/x/gocv"
)

var whiteRGB = color.RGBA{255, 255, 255, 0}

//palette colors boxes by track ID when tracking, by class otherwise
var palette = []color.RGBA{
	{56, 56, 255, 0},
	{151, 157, 255, 0},
	{31, 112, 255, 0},
	{29, 178, 255, 0},
	{49, 210, 207, 0},
	{10, 249, 72, 0},
	{23, 204, 146, 0},
	{134, 219, 61, 0},
	{52, 147, 26, 0},
	{187, 212, 0, 0},
	{168, 153, 44, 0},
	{255, 194, 0, 0},
	{147, 69, 52, 0},
	{255, 115, 100, 0},
	{236, 24, 0, 0},
	{255, 56, 132, 0},
}

const maskAlpha = 0.4

func colorFor(det inference.Detection) color.RGBA {
	key := det.ClassID
	if det.TrackID > 0 {
		key = det.TrackID
	}
	if key < 0 {
		key = -key
	}
	return palette[key%len(palette)]
}

//labelFor is "person 0.87", prefixed with the track ID when there is one: "#3 person 0.87"
func labelFor(det inference.Detection) string {
	if det.TrackID > 0 {
		return fmt.Sprintf("#%d %s %.2f", det.TrackID, det.Label, det.Score)
	}
	return fmt.Sprintf("%s %.2f", det.Label, det.Score)
}

//plotDetections renders masks first, so boxes and labels stay readable above them
func plotDetections(frame *gocv.Mat, dets []inference.Detection) {
	plotMasks(frame, dets)
	for _, det := range dets {
		plotDetection(frame, det)
	}
}

//plotDetection draws the bounding box and writes the label on a filled background above it
func plotDetection(frame *gocv.Mat, det inference.Detection) {
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	box := det.Box.Intersect(bounds)
	if box.Empty() {
		return
	}

	plotColor := colorFor(det)
	gocv.Rectangle(frame, box, plotColor, 2)

	text := labelFor(det)
	textSize := gocv.GetTextSize(text, gocv.FontHersheyPlain, 1, 1)

	//label above the box, or inside it when the box touches the top edge
	top := box.Min.Y - textSize.Y - 6
	if top < 0 {
		top = box.Min.Y
	}
	textBackgroundRect := image.Rect(box.Min.X, top, box.Min.X+textSize.X+6, top+textSize.Y+6)
	gocv.Rectangle(frame, textBackgroundRect, plotColor, -1) //thickness -1 == filled rectangle
	gocv.PutText(frame, text, image.Pt(box.Min.X+3, top+textSize.Y+3), gocv.FontHersheyPlain, 1, whiteRGB, 1)
}

//plotMasks blends every segmentation polygon onto the frame with maskAlpha opacity
func plotMasks(frame *gocv.Mat, dets []inference.Detection) {
	hasMask := false
	for _, det := range dets {
		if len(det.Mask) >= 3 {
			hasMask = true
			break
		}
	}
	if !hasMask {
		return
	}

	overlay := frame.Clone()
	defer overlay.Close()

	for _, det := range dets {
		if len(det.Mask) < 3 {
			continue
		}
		pts := gocv.NewPointsVectorFromPoints([][]image.Point{det.Mask})
		gocv.FillPoly(&overlay, pts, colorFor(det))
		pts.Close()
	}

	gocv.AddWeighted(overlay, maskAlpha, *frame, 1-maskAlpha, 0, frame)
}
