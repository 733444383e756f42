package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-sign/internal/frame"
	"github.com/loqalabs/loqa-sign/internal/labels"
	"github.com/mattn/go-shellwords"
)

type execClassifier struct {
	cmd     []string
	catalog labels.Catalog
	size    int
	mu      sync.Mutex
	closed  bool
}

type execRequest struct {
	Shape  []int64  `json:"shape"`
	Layout string   `json:"layout"`
	Labels []string `json:"labels"`
	// Data holds little-endian float32 values.
	Data string `json:"data_base64"`
}

type execResponse struct {
	Probabilities []float32 `json:"probabilities"`
}

// NewExecClassifier runs command once per frame: the tensor goes in as JSON on
// stdin and the probabilities come back as JSON on stdout.
func NewExecClassifier(command string, catalog labels.Catalog, size int) (Classifier, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse model command: %v", ErrModelLoad, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: model command empty", ErrModelLoad)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	return &execClassifier{cmd: args, catalog: catalog, size: size}, nil
}

func (e *execClassifier) InputShape() []int64 { return inputShape(e.size) }

func (e *execClassifier) Infer(ctx context.Context, tensor *frame.Tensor) (Prediction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Prediction{}, fmt.Errorf("%w: model not loaded", ErrInference)
	}
	if err := checkShape(e.InputShape(), tensor); err != nil {
		return Prediction{}, err
	}

	raw := make([]byte, 4*len(tensor.Data))
	for i, v := range tensor.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	input, err := json.Marshal(execRequest{
		Shape:  tensor.Shape(),
		Layout: "NHWC",
		Labels: e.catalog.Labels(),
		Data:   base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrInference, err)
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: model command failed: %v: %s", ErrInference, err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Prediction{}, fmt.Errorf("%w: decode model response: %v", ErrInference, err)
	}
	return NewPrediction(e.catalog, resp.Probabilities)
}

func (e *execClassifier) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
