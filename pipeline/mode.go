package pipeline

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownMode is returned for mode names outside the three supported pipelines.
var ErrUnknownMode = errors.New("unknown mode")

// Mode selects one of the inference pipelines. It is fixed for the lifetime of a session.
type Mode int

const (
	ObjectDetection Mode = iota
	ObjectSegmentation
	PoseEstimation
)

// Modes lists every mode in UI order.
var Modes = []Mode{ObjectDetection, ObjectSegmentation, PoseEstimation}

func (m Mode) String() string {
	switch m {
	case ObjectDetection:
		return "ObjectDetection"
	case ObjectSegmentation:
		return "ObjectSegmentation"
	case PoseEstimation:
		return "PoseEstimation"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Label is the human-readable name shown in the mode selector.
func (m Mode) Label() string {
	switch m {
	case ObjectDetection:
		return "Object Detection"
	case ObjectSegmentation:
		return "Object Segmentation"
	case PoseEstimation:
		return "Pose Estimation"
	default:
		return m.String()
	}
}

// Short is the name used on the command line and in config files.
func (m Mode) Short() string {
	switch m {
	case ObjectDetection:
		return "detect"
	case ObjectSegmentation:
		return "segment"
	case PoseEstimation:
		return "pose"
	default:
		return m.String()
	}
}

// ParseMode accepts a mode's String, Label or Short form, ignoring case and
// surrounding space.
func ParseMode(s string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, m := range Modes {
		if key == strings.ToLower(m.String()) || key == strings.ToLower(m.Label()) || key == m.Short() {
			return m, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownMode, "%q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.Short()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
