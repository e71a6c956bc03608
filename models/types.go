package models

import "time"

// Detection is one model-proposed object instance for a single frame.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2
	ClassID    int
	Confidence float32
}

// Track is a detection that the tracker has given a persistent identity.
type Track struct {
	BBox [4]float32
	ID   int
}

// Point is a position in frame pixel coordinates.
type Point struct {
	X, Y float64
}

// Segmentation is an instance mask reduced to its outline polygon.
type Segmentation struct {
	BBox       [4]float32
	ClassID    int
	Polygon    []Point
	Confidence float32
	ClassName  string
}

// Keypoint is one anatomical landmark. HasConfidence is false when the model only
// reported a position.
type Keypoint struct {
	X, Y          float32
	Confidence    float32
	HasConfidence bool
}

// KeypointSet holds the keypoints of one person in COCO order.
type KeypointSet []Keypoint

// NumKeypoints is the size of the COCO keypoint schema.
const NumKeypoints = 17

type ProcessingTimings struct {
	FrameID     uint64
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Track       time.Duration
	Annotate    time.Duration
	Encode      time.Duration
	Total       time.Duration
}
