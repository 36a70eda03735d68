//Package tracker assigns persistent identities to per-frame detections.
//It implements two association policies in the style of ByteTrack and BoT-SORT: detections are split by score,
//high-score detections are matched first against every live track, low-score detections are then used to
//extend confirmed tracks only. BoT-SORT additionally blends center distance into the cost and never
//associates across classes.
package tracker

import (
	"image"
	"math"
)

//TrackState is the lifecycle stage of a track
type TrackState int

const (
	Tentative TrackState = iota
	Confirmed
	Lost
)

//Config holds the association thresholds. Use ByteTrackConfig or BotSortConfig for sane defaults
type Config struct {
	HighThresh     float64 //detections at or above are matched in the first stage
	LowThresh      float64 //detections in [LowThresh, HighThresh) are only used in the second stage
	NewTrackThresh float64 //unmatched high detections at or above start a new track
	MatchIoU       float64 //minimum IoU (or fused similarity) for first stage matches
	SecondMatchIoU float64 //minimum IoU for second stage matches
	MinHits        int     //consecutive matches before a tentative track is confirmed
	MaxLost        int     //frames a confirmed track survives without a match
	CenterWeight   float64 //weight of normalized center distance in the cost, 0 = pure IoU
	ClassAware     bool    //forbid matching a detection to a track of a different class
}

//ByteTrackConfig mirrors the defaults of bytetrack.yaml
func ByteTrackConfig() Config {
	return Config{
		HighThresh:     0.5,
		LowThresh:      0.1,
		NewTrackThresh: 0.6,
		MatchIoU:       0.2,
		SecondMatchIoU: 0.5,
		MinHits:        2,
		MaxLost:        30,
	}
}

//BotSortConfig mirrors the defaults of botsort.yaml
func BotSortConfig() Config {
	cfg := ByteTrackConfig()
	cfg.CenterWeight = 0.3
	cfg.ClassAware = true
	return cfg
}

//Observation is one detection handed to Update
type Observation struct {
	Box     image.Rectangle
	Score   float64
	ClassID int
}

//Track is a snapshot of a live track
type Track struct {
	ID      int //0 until the track is confirmed
	Box     image.Rectangle
	ClassID int
	State   TrackState
	Hits    int
	Misses  int

	vx, vy float64
}

//Tracker keeps identities across the frames of one video. It is not safe for concurrent use,
//frames must be fed in order.
type Tracker struct {
	cfg    Config
	tracks []*Track
	nextID int
	frames int
}

func New(cfg Config) *Tracker {
	if cfg.MinHits < 1 {
		cfg.MinHits = 1
	}
	return &Tracker{cfg: cfg, nextID: 1}
}

//Frames returns how many times Update was called
func (t *Tracker) Frames() int {
	return t.frames
}

//Tracks returns copies of the live tracks in creation order
func (t *Tracker) Tracks() []Track {
	res := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		res = append(res, *tr)
	}
	return res
}

//Update associates one frame of observations with the live tracks.
//It returns one track ID per observation (same order), 0 for observations without a confirmed identity.
func (t *Tracker) Update(obs []Observation) []int {
	t.frames++
	ids := make([]int, len(obs))

	high := make([]int, 0, len(obs))
	low := make([]int, 0)
	for i, o := range obs {
		if o.Score >= t.cfg.HighThresh {
			high = append(high, i)
		} else if o.Score >= t.cfg.LowThresh {
			low = append(low, i)
		}
	}

	predicted := make([]image.Rectangle, len(t.tracks))
	for i, tr := range t.tracks {
		predicted[i] = tr.predict()
	}

	matched := make([]bool, len(t.tracks))

	//first stage: high detections against every live track
	all := make([]int, len(t.tracks))
	for i := range all {
		all[i] = i
	}
	leftHigh := t.match(obs, high, all, predicted, t.cfg.MatchIoU, matched, ids)

	//second stage: low detections extend confirmed tracks that are still unmatched
	confirmed := make([]int, 0)
	for i, tr := range t.tracks {
		if !matched[i] && tr.State == Confirmed {
			confirmed = append(confirmed, i)
		}
	}
	t.match(obs, low, confirmed, predicted, t.cfg.SecondMatchIoU, matched, ids)

	alive := t.tracks[:0]
	for i, tr := range t.tracks {
		if matched[i] {
			alive = append(alive, tr)
			continue
		}
		tr.Misses++
		switch tr.State {
		case Tentative:
			continue
		case Confirmed:
			tr.State = Lost
		}
		if tr.Misses > t.cfg.MaxLost {
			continue
		}
		alive = append(alive, tr)
	}
	t.tracks = alive

	for _, oi := range leftHigh {
		o := obs[oi]
		if o.Score < t.cfg.NewTrackThresh {
			continue
		}
		tr := &Track{Box: o.Box, ClassID: o.ClassID, State: Tentative, Hits: 1}
		if t.frames == 1 || t.cfg.MinHits <= 1 {
			t.confirm(tr)
			ids[oi] = tr.ID
		}
		t.tracks = append(t.tracks, tr)
	}

	return ids
}

//match runs one association stage and returns the observation indices left unmatched
func (t *Tracker) match(obs []Observation, obsIdx, trackIdx []int, predicted []image.Rectangle, minSim float64, matched []bool, ids []int) []int {
	if len(obsIdx) == 0 {
		return obsIdx
	}
	if len(trackIdx) == 0 {
		return append([]int(nil), obsIdx...)
	}

	cost := make([][]float64, len(obsIdx))
	for r, oi := range obsIdx {
		cost[r] = make([]float64, len(trackIdx))
		for c, ti := range trackIdx {
			cost[r][c] = t.cost(obs[oi], t.tracks[ti], predicted[ti], minSim)
		}
	}

	left := make([]int, 0)
	for r, c := range assign(cost) {
		oi := obsIdx[r]
		if c < 0 {
			left = append(left, oi)
			continue
		}
		ti := trackIdx[c]
		tr := t.tracks[ti]
		tr.update(obs[oi])
		if tr.State != Confirmed && (tr.State == Lost || tr.Hits >= t.cfg.MinHits) {
			t.confirm(tr)
		}
		matched[ti] = true
		ids[oi] = tr.ID
	}
	return left
}

func (t *Tracker) cost(o Observation, tr *Track, predicted image.Rectangle, minSim float64) float64 {
	if t.cfg.ClassAware && o.ClassID != tr.ClassID {
		return forbidden
	}
	sim := IoU(o.Box, predicted)
	if t.cfg.CenterWeight > 0 {
		sim = (1-t.cfg.CenterWeight)*sim + t.cfg.CenterWeight*(1-centerDistance(o.Box, predicted))
	}
	if sim < minSim {
		return forbidden
	}
	return 1 - sim
}

func (t *Tracker) confirm(tr *Track) {
	if tr.ID == 0 {
		tr.ID = t.nextID
		t.nextID++
	}
	tr.State = Confirmed
}

//predict shifts the last box along the estimated velocity, once per frame since it was last seen
func (tr *Track) predict() image.Rectangle {
	steps := float64(tr.Misses + 1)
	dx := int(math.Round(tr.vx * steps))
	dy := int(math.Round(tr.vy * steps))
	return tr.Box.Add(image.Pt(dx, dy))
}

func (tr *Track) update(o Observation) {
	steps := float64(tr.Misses + 1)
	oc, tc := center(o.Box), center(tr.Box)
	vx := (oc.x - tc.x) / steps
	vy := (oc.y - tc.y) / steps
	if tr.Hits == 1 && tr.vx == 0 && tr.vy == 0 {
		tr.vx, tr.vy = vx, vy
	} else {
		tr.vx = 0.5*tr.vx + 0.5*vx
		tr.vy = 0.5*tr.vy + 0.5*vy
	}
	tr.Box = o.Box
	tr.Hits++
	tr.Misses = 0
}

//IoU is the intersection over union of two rectangles, 0 when either is empty
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}

type point struct{ x, y float64 }

func center(r image.Rectangle) point {
	return point{float64(r.Min.X+r.Max.X) / 2, float64(r.Min.Y+r.Max.Y) / 2}
}

//centerDistance is the distance between centers normalized by the diagonal of the enclosing box, in [0,1]
func centerDistance(a, b image.Rectangle) float64 {
	ca, cb := center(a), center(b)
	enc := a.Union(b)
	diag := math.Hypot(float64(enc.Dx()), float64(enc.Dy()))
	if diag == 0 {
		return 0
	}
	d := math.Hypot(ca.x-cb.x, ca.y-cb.y) / diag
	if d > 1 {
		return 1
	}
	return d
}
