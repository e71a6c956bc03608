package detections

const (
	InputWidth  = 640
	InputHeight = 640
	NumAnchors  = 8400
	NumClasses  = 80

	// Segmentation heads emit MaskChannels coefficients per anchor and a
	// MaskChannels x ProtoSize x ProtoSize prototype tensor.
	MaskChannels = 32
	ProtoSize    = 160

	ConfThreshold = 0.25
	IoUThreshold  = 0.7
	MaxDetections = 300

	// KeypointThreshold is the visibility below which a keypoint is reported at (0, 0).
	KeypointThreshold = 0.5

	PadValue      = 114
	RetryAttempts = 3
	RetryDelayMs  = 100
)
