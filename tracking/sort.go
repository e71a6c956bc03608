// Package tracking assigns persistent identities to per-frame detections using
// SORT: a Kalman filter per object and IoU-based Hungarian association.
package tracking

import (
	"math"

	"github.com/samber/lo"

	"github.com/Tutortoise/smart-vision/models"
)

const (
	DefaultMaxAge       = 1
	DefaultMinHits      = 3
	DefaultIoUThreshold = 0.3
)

type Config struct {
	// MaxAge is how many frames a track survives without a matching detection.
	MaxAge int `yaml:"max_age"`
	// MinHits is how many consecutive matches a track needs before it is reported.
	MinHits      int     `yaml:"min_hits"`
	IoUThreshold float64 `yaml:"iou_threshold"`
}

func DefaultConfig() Config {
	return Config{
		MaxAge:       DefaultMaxAge,
		MinHits:      DefaultMinHits,
		IoUThreshold: DefaultIoUThreshold,
	}
}

type boxTracker struct {
	kf              *kalmanFilter
	id              int
	timeSinceUpdate int
	hits            int
	hitStreak       int
	age             int
}

func (t *boxTracker) predict() [4]float64 {
	if t.kf.X.AtVec(6)+t.kf.X.AtVec(2) <= 0 {
		t.kf.X.SetVec(6, 0)
	}
	t.kf.predict()
	t.age++
	if t.timeSinceUpdate > 0 {
		t.hitStreak = 0
	}
	t.timeSinceUpdate++
	return stateToBox(t.kf.X)
}

// update records a match. If the innovation covariance is singular the
// prediction stands and the error is returned.
func (t *boxTracker) update(box [4]float64) error {
	t.timeSinceUpdate = 0
	t.hits++
	t.hitStreak++
	return t.kf.update(boxToZ(box))
}

// Tracker is a SORT multi-object tracker. It is not safe for concurrent use.
type Tracker struct {
	cfg        Config
	trackers   []*boxTracker
	frameCount int
	nextID     int
	skipped    int
}

func NewTracker(cfg Config) *Tracker {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MinHits < 0 {
		cfg.MinHits = DefaultMinHits
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}
	return &Tracker{cfg: cfg}
}

// SkippedUpdates counts matches whose filter correction failed and kept the prediction.
func (t *Tracker) SkippedUpdates() int {
	return t.skipped
}

// Active is the number of tracks currently held, reported or not.
func (t *Tracker) Active() int {
	return len(t.trackers)
}

// Update advances every track by one frame and matches it against dets. It must
// be called once per frame, also when dets is empty. The returned slice is never nil.
func (t *Tracker) Update(dets []models.Detection) []models.Track {
	t.frameCount++

	boxes := lo.FilterMap(dets, func(d models.Detection, _ int) ([4]float64, bool) {
		b := normalise(d.BBox)
		return b, b[2] > b[0] && b[3] > b[1]
	})

	predicted := make([][4]float64, 0, len(t.trackers))
	live := t.trackers[:0]
	for _, trk := range t.trackers {
		pos := trk.predict()
		if lo.SomeBy(pos[:], math.IsNaN) {
			continue
		}
		predicted = append(predicted, pos)
		live = append(live, trk)
	}
	t.trackers = live

	matches, unmatchedDets := associate(boxes, predicted, t.cfg.IoUThreshold)
	for _, m := range matches {
		if err := t.trackers[m[1]].update(boxes[m[0]]); err != nil {
			t.skipped++
		}
	}
	for _, i := range unmatchedDets {
		t.trackers = append(t.trackers, &boxTracker{
			kf: newKalmanFilter(boxToZ(boxes[i])),
			id: t.nextID,
		})
		t.nextID++
	}

	out := make([]models.Track, 0, len(t.trackers))
	kept := make([]*boxTracker, 0, len(t.trackers))
	for i := len(t.trackers) - 1; i >= 0; i-- {
		trk := t.trackers[i]
		if trk.timeSinceUpdate < 1 && (trk.hitStreak >= t.cfg.MinHits || t.frameCount <= t.cfg.MinHits) {
			b := stateToBox(trk.kf.X)
			out = append(out, models.Track{
				BBox: [4]float32{float32(b[0]), float32(b[1]), float32(b[2]), float32(b[3])},
				ID:   trk.id + 1,
			})
		}
		if trk.timeSinceUpdate <= t.cfg.MaxAge {
			kept = append(kept, trk)
		}
	}
	t.trackers = lo.Reverse(kept)
	return out
}

// normalise orders the corners so that x1<=x2 and y1<=y2.
func normalise(b [4]float32) [4]float64 {
	x1, x2 := float64(min(b[0], b[2])), float64(max(b[0], b[2]))
	y1, y2 := float64(min(b[1], b[3])), float64(max(b[1], b[3]))
	return [4]float64{x1, y1, x2, y2}
}

func iou(a, b [4]float64) float64 {
	w := math.Min(a[2], b[2]) - math.Max(a[0], b[0])
	h := math.Min(a[3], b[3]) - math.Max(a[1], b[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	return inter / ((a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter)
}

// associate matches detections to predicted track boxes. It returns
// [detection, track] pairs and the indices of unmatched detections.
func associate(dets, trks [][4]float64, threshold float64) ([][2]int, []int) {
	if len(trks) == 0 || len(dets) == 0 {
		return nil, lo.Range(len(dets))
	}

	ious := make([][]float64, len(dets))
	cost := make([][]float64, len(dets))
	for d := range dets {
		ious[d] = make([]float64, len(trks))
		cost[d] = make([]float64, len(trks))
		for k := range trks {
			ious[d][k] = iou(dets[d], trks[k])
			cost[d][k] = -ious[d][k]
		}
	}

	var candidates [][2]int
	if pairs, ok := uniqueOverlaps(ious, threshold); ok {
		candidates = pairs
	} else {
		candidates = assign(cost)
	}

	matched := make([]bool, len(dets))
	var matches [][2]int
	for _, m := range candidates {
		if ious[m[0]][m[1]] < threshold {
			continue
		}
		matched[m[0]] = true
		matches = append(matches, m)
	}

	var unmatched []int
	for d, ok := range matched {
		if !ok {
			unmatched = append(unmatched, d)
		}
	}
	return matches, unmatched
}

// uniqueOverlaps returns the above-threshold pairs when every detection and
// every track overlaps at most one counterpart, which makes assignment trivial.
func uniqueOverlaps(ious [][]float64, threshold float64) ([][2]int, bool) {
	colCount := make([]int, len(ious[0]))
	var pairs [][2]int
	for d, row := range ious {
		rowCount := 0
		for k, v := range row {
			if v > threshold {
				rowCount++
				colCount[k]++
				if rowCount > 1 || colCount[k] > 1 {
					return nil, false
				}
				pairs = append(pairs, [2]int{d, k})
			}
		}
	}
	return pairs, len(pairs) > 0
}
