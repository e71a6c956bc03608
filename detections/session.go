package detections

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// Task identifies which YOLOv8 head an exported model carries.
type Task int

const (
	TaskDetect Task = iota
	TaskSegment
	TaskPose
)

func (t Task) String() string {
	switch t {
	case TaskDetect:
		return "detect"
	case TaskSegment:
		return "segment"
	case TaskPose:
		return "pose"
	default:
		return fmt.Sprintf("task(%d)", int(t))
	}
}

// Channels is the per-anchor width of output0.
func (t Task) Channels() int {
	switch t {
	case TaskSegment:
		return 4 + NumClasses + MaskChannels
	case TaskPose:
		return 4 + 1 + 17*3
	default:
		return 4 + NumClasses
	}
}

func (t Task) OutputNames() []string {
	if t == TaskSegment {
		return []string{"output0", "output1"}
	}
	return []string{"output0"}
}

func (t Task) OutputShapes() []ort.Shape {
	shapes := []ort.Shape{ort.NewShape(1, int64(t.Channels()), NumAnchors)}
	if t == TaskSegment {
		shapes = append(shapes, ort.NewShape(1, MaskChannels, ProtoSize, ProtoSize))
	}
	return shapes
}

// InputShape is the NCHW shape every export is traced with.
func InputShape() ort.Shape {
	return ort.NewShape(1, 3, InputHeight, InputWidth)
}

// backend is a single forward pass over preallocated buffers.
type backend interface {
	inputData() []float32
	outputData() [][]float32
	run() error
}

// ModelSession owns an ONNX Runtime session and the tensors bound to it.
type ModelSession struct {
	Task    Task
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Outputs []*ort.Tensor[float32]
}

func NewModelSession(task Task, session *ort.AdvancedSession, input *ort.Tensor[float32], outputs ...*ort.Tensor[float32]) *ModelSession {
	return &ModelSession{
		Task:    task,
		Session: session,
		Input:   input,
		Outputs: outputs,
	}
}

func (m *ModelSession) inputData() []float32 { return m.Input.GetData() }

func (m *ModelSession) outputData() [][]float32 {
	out := make([][]float32, len(m.Outputs))
	for i, t := range m.Outputs {
		out[i] = t.GetData()
	}
	return out
}

func (m *ModelSession) run() error { return m.Session.Run() }

func (m *ModelSession) Destroy() error {
	var err error
	if m.Session != nil {
		err = multierr.Append(err, m.Session.Destroy())
	}
	if m.Input != nil {
		err = multierr.Append(err, m.Input.Destroy())
	}
	for _, o := range m.Outputs {
		if o != nil {
			err = multierr.Append(err, o.Destroy())
		}
	}
	return err
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Cause }
