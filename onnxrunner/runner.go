// Package onnxrunner runs causal language models exported to ONNX through
// ONNX Runtime. The model must take "input_ids" [1, seq] int64 and produce
// "logits" [1, seq, vocab] float32.
package onnxrunner

import (
	"fmt"
	"math/rand"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"nano-vllm-batch/nanovllm"
)

var initOnce sync.Once
var initErr error

// Initialize loads the ONNX Runtime shared library. libPath may be empty to
// use the platform default. It is safe to call more than once.
func Initialize(libPath string) error {
	initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	})
	return initErr
}

// Runner implements nanovllm.ModelRunner with ONNX Runtime.
type Runner struct {
	modelPath string
	vocabSize int
	options   *ort.SessionOptions
	rng       *rand.Rand
}

// Option configures a Runner.
type Option func(*Runner)

// WithSeed makes sampling reproducible.
func WithSeed(seed int64) Option {
	return func(r *Runner) {
		r.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a runner for the model file at modelPath. Initialize must have
// succeeded first.
func New(modelPath string, config *nanovllm.Config, threads int, opts ...Option) (*Runner, error) {
	if !ort.IsInitialized() {
		return nil, fmt.Errorf("ONNX runtime is not initialized")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	r := &Runner{
		modelPath: modelPath,
		vocabSize: config.VocabSize,
		options:   options,
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes a full forward pass per sequence and samples the next token
// from the last position. There is no KV cache reuse across steps.
func (r *Runner) Run(seqs []*nanovllm.Sequence, isPrefill bool) ([]int, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("no sequences to process")
	}

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		logits, err := r.lastLogits(seq.TokenIDs)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
		}
		tokenIDs[i] = nanovllm.SampleToken(logits, seq.Temperature, r.rng)
	}
	return tokenIDs, nil
}

func (r *Runner) lastLogits(ids []int) ([]float32, error) {
	seqLen := len(ids)
	if seqLen == 0 {
		return nil, fmt.Errorf("sequence has no tokens")
	}

	inputData := make([]int64, seqLen)
	for j, id := range ids {
		inputData[j] = int64(id)
	}
	input, err := ort.NewTensor(ort.NewShape(1, int64(seqLen)), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(r.vocabSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	session, err := ort.NewAdvancedSession(r.modelPath,
		[]string{"input_ids"}, []string{"logits"},
		[]ort.Value{input}, []ort.Value{output}, r.options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := output.GetData()
	start := (seqLen - 1) * r.vocabSize
	last := make([]float32, r.vocabSize)
	copy(last, data[start:start+r.vocabSize])
	return last, nil
}

// Close releases the session options.
func (r *Runner) Close() error {
	if r.options != nil {
		r.options.Destroy()
		r.options = nil
	}
	return nil
}
