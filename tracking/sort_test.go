package tracking

import (
	"testing"

	"go.viam.com/test"

	"github.com/Tutortoise/smart-vision/models"
)

func person(x1, y1, x2, y2 float32) models.Detection {
	return models.Detection{BBox: [4]float32{x1, y1, x2, y2}, Confidence: 0.9}
}

func TestUpdateEmpty(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 3; i++ {
		tracks := tr.Update(nil)
		test.That(t, tracks, test.ShouldNotBeNil)
		test.That(t, tracks, test.ShouldBeEmpty)
	}
	test.That(t, tr.Update([]models.Detection{}), test.ShouldBeEmpty)
}

func TestUpdateKeepsIdentity(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for frame := 0; frame < 10; frame++ {
		dx := float32(frame * 2)
		tracks := tr.Update([]models.Detection{
			person(10+dx, 10, 50+dx, 90),
			person(200, 100+dx, 260, 220+dx),
		})
		test.That(t, len(tracks), test.ShouldEqual, 2)

		ids := map[int]bool{}
		for _, trk := range tracks {
			ids[trk.ID] = true
		}
		test.That(t, ids, test.ShouldResemble, map[int]bool{1: true, 2: true})
	}
	test.That(t, tr.Active(), test.ShouldEqual, 2)
}

func TestUpdateFirstFrameBox(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tracks := tr.Update([]models.Detection{person(10, 10, 50, 90)})
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].ID, test.ShouldEqual, 1)
	for i, want := range [4]float32{10, 10, 50, 90} {
		test.That(t, tracks[0].BBox[i], test.ShouldAlmostEqual, want, 1e-3)
	}
}

func TestUpdateDropsStaleTracks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHits = 0
	tr := NewTracker(cfg)
	tr.Update([]models.Detection{person(10, 10, 50, 90)})
	tr.Update(nil)
	tr.Update(nil)
	test.That(t, tr.Active(), test.ShouldEqual, 0)

	tracks := tr.Update([]models.Detection{person(10, 10, 50, 90)})
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].ID, test.ShouldEqual, 2)
}

func TestUpdateWaitsForMinHits(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 5; i++ {
		tr.Update(nil)
	}
	// a new track is reported once it has been matched MinHits times after creation
	for hit := 0; hit <= 3; hit++ {
		tracks := tr.Update([]models.Detection{person(100, 100, 140, 180)})
		if hit < 3 {
			test.That(t, tracks, test.ShouldBeEmpty)
		} else {
			test.That(t, len(tracks), test.ShouldEqual, 1)
		}
	}
}

func TestUpdateNormalisesCorners(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tracks := tr.Update([]models.Detection{
		person(50, 90, 10, 10),
		person(5, 5, 5, 20),
	})
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].BBox[0], test.ShouldAlmostEqual, 10, 1e-3)
	test.That(t, tracks[0].BBox[3], test.ShouldAlmostEqual, 90, 1e-3)
}

func TestUpdateCountsSingularInnovation(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update([]models.Detection{person(10, 10, 50, 90)})

	kf := tr.trackers[0].kf
	kf.P.Zero()
	kf.Q.Zero()
	kf.R.Zero()

	tracks := tr.Update([]models.Detection{person(14, 10, 54, 90)})
	test.That(t, tr.SkippedUpdates(), test.ShouldEqual, 1)
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].ID, test.ShouldEqual, 1)
	// the prediction stands
	test.That(t, tracks[0].BBox[0], test.ShouldAlmostEqual, 10, 1e-3)
}

func TestAssign(t *testing.T) {
	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	pairs := assign(cost)
	total := 0.0
	for _, p := range pairs {
		total += cost[p[0]][p[1]]
	}
	test.That(t, len(pairs), test.ShouldEqual, 3)
	test.That(t, total, test.ShouldEqual, 5.0)

	tall := [][]float64{{1}, {0}, {3}}
	test.That(t, assign(tall), test.ShouldResemble, [][2]int{{1, 0}})

	wide := [][]float64{{5, -0.9, 0}}
	test.That(t, assign(wide), test.ShouldResemble, [][2]int{{0, 1}})

	test.That(t, assign(nil), test.ShouldBeNil)
}

func TestAssociate(t *testing.T) {
	dets := [][4]float64{{0, 0, 10, 10}, {100, 100, 110, 110}}
	trks := [][4]float64{{1, 1, 11, 11}}
	matches, unmatched := associate(dets, trks, 0.3)
	test.That(t, matches, test.ShouldResemble, [][2]int{{0, 0}})
	test.That(t, unmatched, test.ShouldResemble, []int{1})

	matches, unmatched = associate(dets, nil, 0.3)
	test.That(t, matches, test.ShouldBeEmpty)
	test.That(t, unmatched, test.ShouldResemble, []int{0, 1})
}
