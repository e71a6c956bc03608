package detections

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
)

// candidate is one anchor that cleared the confidence threshold, in model space.
type candidate struct {
	box    [4]float32
	score  float32
	class  int
	anchor int
}

// scanCandidates walks the channel-major [channels x NumAnchors] head output.
// Class scores start at channel 4 and span numClasses channels.
func scanCandidates(pred []float32, channels, numClasses int, threshold float32) ([]candidate, error) {
	if expected := channels * NumAnchors; len(pred) != expected {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(pred), expected)
	}

	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []candidate, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]candidate, 0, 64)
			for start := range jobs {
				end := min(start+chunkSize, NumAnchors)
				for i := start; i < end; i++ {
					best, bestClass := float32(0), -1
					for c := 0; c < numClasses; c++ {
						if s := pred[(4+c)*NumAnchors+i]; s > best {
							best, bestClass = s, c
						}
					}
					if bestClass < 0 || best <= threshold {
						continue
					}
					cx, cy := pred[i], pred[NumAnchors+i]
					w, h := pred[2*NumAnchors+i], pred[3*NumAnchors+i]
					local = append(local, candidate{
						box:    [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
						score:  best,
						class:  bestClass,
						anchor: i,
					})
				}
			}
			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < NumAnchors; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []candidate
	for chunk := range results {
		out = append(out, chunk...)
	}
	sortCandidates(out)
	return out, nil
}

// sortCandidates orders by descending score with anchor index as tie-break so
// that results do not depend on worker scheduling.
func sortCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].score != c[j].score {
			return c[i].score > c[j].score
		}
		return c[i].anchor < c[j].anchor
	})
}

// nms performs class-aware greedy suppression over score-sorted candidates.
func nms(sorted []candidate, iouThreshold float32, maxDet int) []candidate {
	kept := make([]candidate, 0, min(len(sorted), maxDet))
	for _, c := range sorted {
		if len(kept) >= maxDet {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.class == c.class && IoU(k.box, c.box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

// IoU is the intersection over union of two corner-form boxes.
func IoU(a, b [4]float32) float32 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
