package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

//WorkerAdapter talks to a long lived model worker process (for example a YOLO python script) over stdin/stdout.
//
//Every request is one JSON header line followed by the JPEG bytes announced in "size":
//
//	{"op":"infer","session":"<uuid>","mode":"track","tracker":"bytetrack.yaml","conf":0.4,"size":12345}
//
//The worker answers each request with exactly one JSON line:
//
//	{"detections":[{"box":[x1,y1,x2,y2],"class":0,"name":"person","conf":0.91,"id":3,"mask":[[x,y],...]}],"error":""}
//
//Track requests carry the session of their TrackerState, the worker keeps one tracker per session.
//When a run ends its session is released with {"op":"end","session":"<uuid>"}.
type WorkerAdapter struct {
	Name string
	Args []string
	Env  []string //nil means the parent's environment
	Dir  string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
}

func NewWorkerAdapter(name string, args ...string) *WorkerAdapter {
	return &WorkerAdapter{Name: name, Args: args}
}

type workerRequest struct {
	Op      string  `json:"op"`
	Session string  `json:"session,omitempty"`
	Mode    string  `json:"mode,omitempty"`
	Tracker string  `json:"tracker,omitempty"`
	Conf    float64 `json:"conf"`
	Size    int     `json:"size"`
}

type workerDetection struct {
	Box   []float64   `json:"box"`
	Class int         `json:"class"`
	Name  string      `json:"name"`
	Conf  float64     `json:"conf"`
	ID    int         `json:"id"`
	Mask  [][]float64 `json:"mask"`
}

type workerResponse struct {
	Detections []workerDetection `json:"detections"`
	Error      string            `json:"error"`
}

type workerState struct {
	session string
	algo    TrackerAlgorithm
	worker  *WorkerAdapter
	once    sync.Once
}

func (s *workerState) Algorithm() TrackerAlgorithm {
	return s.algo
}

//Close asks the worker to drop the tracker of this session. Safe to call more than once
func (s *workerState) Close() error {
	var err error
	s.once.Do(func() {
		err = s.worker.endSession(s.session)
	})
	return err
}

//Start launches the worker process. Infer starts it lazily when needed, calling Start up front surfaces
//a broken worker command before the first run.
func (w *WorkerAdapter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startLocked()
}

func (w *WorkerAdapter) startLocked() error {
	if w.cmd != nil {
		return nil
	}

	cmd := exec.Command(w.Name, w.Args...)
	cmd.Env = w.Env
	cmd.Dir = w.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("WorkerAdapter.Start: could not get worker's standard input, got '%v'", err)
	}
	//io.Pipe instead of StdoutPipe: Wait runs concurrently with our reads and must not close them under us
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("WorkerAdapter.Start: could not execute '%s', got '%v'", w.Name, err)
	}
	log.Printf("WorkerAdapter: started '%s' (pid %d)", w.Name, cmd.Process.Pid)

	go forwardOutput(stderrR)

	exited := make(chan struct{})
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("WorkerAdapter: worker exited, got '%v'", err)
		}
		stdoutW.Close()
		stderrW.Close()
		close(exited)
	}()

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = bufio.NewReader(stdoutR)
	w.exited = exited
	return nil
}

//maxOutputLine bounds one logged line of worker output
const maxOutputLine = 1 << 20

//forwardOutput logs every non empty line the worker prints on its standard error. It reads r until EOF
//whatever the worker prints, a stalled reader would block the worker and cmd.Wait with it.
func forwardOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	scanner.Split(scanOutputLines)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			log.Printf("worker: %s", line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("WorkerAdapter: stopped logging worker output, got '%v'", err)
	}
	io.Copy(io.Discard, r)
}

//scanOutputLines splits on '\n' and on the bare '\r' progress bars redraw their line with
func scanOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

//Close stops the worker process, giving it a few seconds to exit on its own once its input is closed
func (w *WorkerAdapter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopLocked(stopGrace)
}

const stopGrace = 3 * time.Second

func (w *WorkerAdapter) stopLocked(grace time.Duration) error {
	if w.cmd == nil {
		return nil
	}
	cmd, stdin, exited := w.cmd, w.stdin, w.exited
	w.cmd, w.stdin, w.stdout, w.exited = nil, nil, nil, nil

	stdin.Close()
	if grace > 0 {
		select {
		case <-exited:
			return nil
		case <-time.After(grace):
		}
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("WorkerAdapter.Close: could not stop worker, got '%v'", err)
	}
	<-exited
	return nil
}

//NewTrackerState opens a new tracking session on the worker side. Sessions are keyed by a random uuid
func (w *WorkerAdapter) NewTrackerState(algo TrackerAlgorithm) (TrackerState, error) {
	if algo != TrackerByteTrack && algo != TrackerBotSort {
		return nil, fmt.Errorf("WorkerAdapter: unsupported tracker '%v'", algo)
	}
	return &workerState{session: uuid.NewString(), algo: algo, worker: w}, nil
}

func (w *WorkerAdapter) Infer(ctx context.Context, frame gocv.Mat, req Request) (*Result, error) {
	if err := validateRequest(frame, req); err != nil {
		return nil, err
	}

	header := workerRequest{Op: "infer", Mode: req.Mode.String(), Conf: req.Confidence}
	if req.Mode == ModeTrack {
		state, ok := req.State.(*workerState)
		if !ok || state.worker != w {
			return nil, fmt.Errorf("%w: tracker state %T was not created by this worker", ErrInference, req.State)
		}
		header.Session = state.session
		header.Tracker = state.algo.ConfigName()
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: could not encode frame, got '%v'", ErrInference, err)
	}
	defer buf.Close()
	payload := buf.GetBytes()
	header.Size = len(payload)

	resp, err := w.exchange(ctx, header, payload)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: worker reported '%s'", ErrInference, resp.Error)
	}

	dets := make([]Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		det, err := d.toDetection()
		if err != nil {
			return nil, err
		}
		dets = append(dets, det)
	}
	if req.Mode == ModeDetect {
		for i := range dets {
			dets[i].TrackID = 0
		}
	}

	return &Result{Detections: FilterByConfidence(dets, req.Confidence)}, nil
}

func (w *WorkerAdapter) endSession(session string) error {
	_, err := w.exchange(context.Background(), workerRequest{Op: "end", Session: session}, nil)
	return err
}

//exchange writes one request and reads one reply. A cancelled context kills the worker, since the
//protocol has no way to abandon a request half way; the next call starts a new one.
func (w *WorkerAdapter) exchange(ctx context.Context, header workerRequest, payload []byte) (*workerResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil && header.Op == "end" {
		//a stopped worker has no sessions left to end
		return &workerResponse{}, nil
	}
	if err := w.startLocked(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	type reply struct {
		resp *workerResponse
		err  error
	}
	replyC := make(chan reply, 1)
	stdin, stdout, exited := w.stdin, w.stdout, w.exited

	go func() {
		line, err := json.Marshal(header)
		if err != nil {
			replyC <- reply{err: err}
			return
		}
		if _, err := stdin.Write(append(line, '\n')); err != nil {
			replyC <- reply{err: err}
			return
		}
		if len(payload) > 0 {
			if _, err := stdin.Write(payload); err != nil {
				replyC <- reply{err: err}
				return
			}
		}

		respLine, err := stdout.ReadBytes('\n')
		if err != nil {
			replyC <- reply{err: err}
			return
		}
		var resp workerResponse
		if err := json.Unmarshal(respLine, &resp); err != nil {
			replyC <- reply{err: fmt.Errorf("malformed reply '%s', got '%v'", string(respLine), err)}
			return
		}
		replyC <- reply{resp: &resp}
	}()

	select {
	case r := <-replyC:
		if r.err != nil {
			w.stopLocked(0)
			return nil, fmt.Errorf("%w: worker exchange failed, got '%v'", ErrInference, r.err)
		}
		return r.resp, nil
	case <-exited:
		w.stopLocked(0)
		return nil, fmt.Errorf("%w: worker exited", ErrInference)
	case <-ctx.Done():
		w.stopLocked(0)
		return nil, ctx.Err()
	}
}

func (d workerDetection) toDetection() (Detection, error) {
	if len(d.Box) != 4 {
		return Detection{}, fmt.Errorf("%w: box with %d coordinates", ErrInference, len(d.Box))
	}
	det := Detection{
		Box:     image.Rect(round(d.Box[0]), round(d.Box[1]), round(d.Box[2]), round(d.Box[3])),
		ClassID: d.Class,
		Label:   d.Name,
		Score:   d.Conf,
		TrackID: d.ID,
	}
	if det.Label == "" {
		det.Label = fmt.Sprintf("class %d", d.Class)
	}
	for _, p := range d.Mask {
		if len(p) != 2 {
			return Detection{}, fmt.Errorf("%w: mask point with %d coordinates", ErrInference, len(p))
		}
		det.Mask = append(det.Mask, image.Pt(round(p[0]), round(p[1])))
	}
	return det, nil
}

func round(v float64) int {
	return int(math.Round(v))
}
