package main

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/smart-vision/detections"
)

func initSession(task detections.Task, modelPath string, threads int) (*detections.ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](detections.InputShape())
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	shapes := task.OutputShapes()
	outputs := make([]*ort.Tensor[float32], 0, len(shapes))
	destroyAll := func() {
		inputTensor.Destroy()
		for _, o := range outputs {
			o.Destroy()
		}
	}
	for _, shape := range shapes {
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			destroyAll()
			return nil, fmt.Errorf("error creating output tensor %v: %w", shape, err)
		}
		outputs = append(outputs, t)
	}

	arbitraryOutputs := make([]ort.ArbitraryTensor, len(outputs))
	for i, o := range outputs {
		arbitraryOutputs[i] = o
	}

	// Create optimized session
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		task.OutputNames(),
		[]ort.ArbitraryTensor{inputTensor},
		arbitraryOutputs,
		options,
	)
	if err != nil {
		destroyAll()
		return nil, fmt.Errorf("error creating %s session from %s: %w", task, modelPath, err)
	}

	return detections.NewModelSession(task, session, inputTensor, outputs...), nil
}
