package video

import (
	"fmt"
	"os"

	"gocv.io/x/gocv"
)

//FrameSource yields the frames of one video in order
type FrameSource interface {
	//Next decodes the next frame into dst. It returns ErrEndOfStream after the last frame
	Next(dst *gocv.Mat) error
	//Close releases the decoder. It may be called any number of times
	Close() error
}

//SourceOpener opens a FrameSource on a path. Failures should wrap ErrSourceUnavailable
type SourceOpener func(path string) (FrameSource, error)

//SourceInfo is what the decoder reports about the input, values may be 0 when the container does not say
type SourceInfo struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

//VideoFileSource decodes a video file with OpenCV
type VideoFileSource struct {
	path     string
	cap      *gocv.VideoCapture
	expected int //frame count announced by the container, 0 when unknown
	read     int
	closed   bool
}

//frameCountSlack absorbs containers whose frame count is estimated from duration and fps
const frameCountSlack = 2

//OpenVideoFile is the default SourceOpener
func OpenVideoFile(path string) (FrameSource, error) {
	src, err := openVideoFile(path)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func openVideoFile(path string) (*VideoFileSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: '%s', got '%v'", ErrSourceUnavailable, path, err)
	}

	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s', got '%v'", ErrSourceUnavailable, path, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("%w: '%s' could not be decoded", ErrSourceUnavailable, path)
	}

	expected := int(cap.Get(gocv.VideoCaptureFrameCount))
	if expected < 0 {
		expected = 0
	}
	return &VideoFileSource{path: path, cap: cap, expected: expected}, nil
}

func (s *VideoFileSource) Info() SourceInfo {
	if s.closed {
		return SourceInfo{}
	}
	return SourceInfo{
		FPS:        s.cap.Get(gocv.VideoCaptureFPS),
		FrameCount: int(s.cap.Get(gocv.VideoCaptureFrameCount)),
		Width:      int(s.cap.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(s.cap.Get(gocv.VideoCaptureFrameHeight)),
	}
}

func (s *VideoFileSource) Next(dst *gocv.Mat) error {
	if s.closed {
		return fmt.Errorf("VideoFileSource: '%s' is closed", s.path)
	}
	//OpenCV reports a decode failure and the end of the file the same way, the announced count tells them apart
	if ok := s.cap.Read(dst); !ok || dst.Empty() {
		return endOfStream(s.read, s.expected)
	}
	s.read++
	return nil
}

//endOfStream is ErrEndOfStream unless the decoder stopped well before the frame count the container announced
func endOfStream(read, expected int) error {
	if expected > 0 && read+frameCountSlack < expected {
		return fmt.Errorf("%w: decoder stopped after %d of %d frames", ErrSourceTruncated, read, expected)
	}
	return ErrEndOfStream
}

func (s *VideoFileSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cap.Close()
}
