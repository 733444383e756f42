package inference

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/frame"
	"github.com/loqalabs/loqa-sign/internal/labels"
	ort "github.com/yalue/onnxruntime_go"
)

var envMu sync.Mutex

type onnxClassifier struct {
	session *ort.DynamicAdvancedSession
	catalog labels.Catalog
	size    int
	classes int
	mu      sync.Mutex
}

func initEnvironment(sharedLib string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if sharedLib != "" {
		ort.SetSharedLibraryPath(sharedLib)
	}
	return ort.InitializeEnvironment()
}

// ShutdownEnvironment releases the onnxruntime environment if one was created.
func ShutdownEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewONNXClassifier opens the model at cfg.Path. The model must take a
// [1, size, size, 3] float input and produce one score per label.
func NewONNXClassifier(cfg config.ModelConfig, catalog labels.Catalog) (Classifier, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if err := initEnvironment(cfg.SharedLib); err != nil {
		return nil, fmt.Errorf("%w: initialize onnxruntime: %v", ErrModelLoad, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", ErrModelLoad, err)
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			return nil, fmt.Errorf("%w: set intra-op threads: %v", ErrModelLoad, err)
		}
	}

	_, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model outputs: %v", ErrModelLoad, err)
	}
	classes := catalog.Len()
	for _, info := range outputs {
		if info.Name == cfg.OutputName {
			classes = outputClasses(info.Dimensions, classes)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.Path,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrModelLoad, err)
	}
	return &onnxClassifier{session: session, catalog: catalog, size: cfg.InputSize, classes: classes}, nil
}

// outputClasses returns the per-sample score count declared by an output of
// shape [batch, ...]. Dynamic dimensions fall back to the catalog length.
func outputClasses(dims []int64, fallback int) int {
	if len(dims) < 2 {
		return fallback
	}
	n := int64(1)
	for _, d := range dims[1:] {
		if d <= 0 {
			return fallback
		}
		n *= d
	}
	return int(n)
}

func (o *onnxClassifier) InputShape() []int64 { return inputShape(o.size) }

func (o *onnxClassifier) Infer(_ context.Context, tensor *frame.Tensor) (Prediction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Prediction{}, fmt.Errorf("%w: model not loaded", ErrInference)
	}
	if err := checkShape(o.InputShape(), tensor); err != nil {
		return Prediction{}, err
	}

	input, err := ort.NewTensor(ort.NewShape(tensor.Shape()...), tensor.Data)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: input tensor: %v", ErrInference, err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(o.classes)))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: output tensor: %v", ErrInference, err)
	}
	defer output.Destroy()

	if err := o.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return Prediction{}, fmt.Errorf("%w: model inference: %v", ErrInference, err)
	}
	scores := append([]float32(nil), output.GetData()...)
	return NewPrediction(o.catalog, scores)
}

func (o *onnxClassifier) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}
