package nanovllm

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
)

// CompletionOutput is one sampled completion of a request.
type CompletionOutput struct {
	Index        int
	Text         string
	TokenIDs     []int
	FinishReason string
}

// RequestOutput holds every completion generated for one prompt, ordered by
// sample index.
type RequestOutput struct {
	RequestID int
	Prompt    string
	Outputs   []CompletionOutput
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest tokenizes prompt and queues samplingParams.N sequences for it.
func (e *LLMEngine) AddRequest(requestID int, prompt string, samplingParams *SamplingParams) error {
	tokenIDs, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return fmt.Errorf("failed to encode prompt %d: %w", requestID, err)
	}
	if len(tokenIDs) == 0 {
		return fmt.Errorf("prompt %d encodes to no tokens", requestID)
	}

	for j := range samplingParams.N {
		seq := NewSequence(tokenIDs, samplingParams)
		seq.RequestID = requestID
		seq.SampleIndex = j
		seq.BlockSize = e.config.KVCacheBlockSize
		if err := e.scheduler.Admit(seq); err != nil {
			return fmt.Errorf("prompt %d: %w", requestID, err)
		}
		e.scheduler.Add(seq)
	}
	return nil
}

// Step runs one scheduling round and returns the sequences that finished in
// it. numTokens is positive for prefill steps and negative for decode steps.
func (e *LLMEngine) Step() ([]*Sequence, int, error) {
	seqs, isPrefill, err := e.scheduler.Schedule()
	if err != nil {
		return nil, 0, err
	}

	tokenIDs, err := e.modelRunner.Run(seqs, isPrefill)
	if err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}
	if len(tokenIDs) != len(seqs) {
		return nil, 0, fmt.Errorf("model runner returned %d tokens for %d sequences", len(tokenIDs), len(seqs))
	}

	e.scheduler.Postprocess(seqs, tokenIDs)

	finished := make([]*Sequence, 0)
	for _, seq := range seqs {
		if seq.IsFinished() {
			finished = append(finished, seq)
		}
	}

	numTokens := -len(seqs)
	if isPrefill {
		numTokens = 0
		for _, seq := range seqs {
			numTokens += seq.Len()
		}
	}

	return finished, numTokens, nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate runs prompts to completion and returns one RequestOutput per
// prompt, in prompt order. ctx is checked between steps; on cancellation all
// pending sequences are dropped.
func (e *LLMEngine) Generate(ctx context.Context, prompts []string, samplingParams *SamplingParams) ([]RequestOutput, error) {
	if err := samplingParams.Validate(); err != nil {
		return nil, err
	}

	outputs := make([]RequestOutput, len(prompts))
	for i, prompt := range prompts {
		outputs[i] = RequestOutput{
			RequestID: i,
			Prompt:    prompt,
			Outputs:   make([]CompletionOutput, samplingParams.N),
		}
		if err := e.AddRequest(i, prompt, samplingParams); err != nil {
			e.scheduler.Abort()
			return nil, err
		}
	}

	var bar *progressbar.ProgressBar
	if e.config.ShowProgress {
		bar = progressbar.NewOptions(len(prompts)*samplingParams.N,
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		defer bar.Finish()
	}

	var prefillThroughput, decodeThroughput float64
	for !e.IsFinished() {
		if err := ctx.Err(); err != nil {
			e.scheduler.Abort()
			return nil, err
		}

		start := time.Now()
		finished, numTokens, err := e.Step()
		if err != nil {
			e.scheduler.Abort()
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if bar != nil && elapsed > 0 {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, seq := range finished {
			completion, err := e.completion(seq)
			if err != nil {
				e.scheduler.Abort()
				return nil, err
			}
			outputs[seq.RequestID].Outputs[seq.SampleIndex] = completion
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}

	return outputs, nil
}

func (e *LLMEngine) completion(seq *Sequence) (CompletionOutput, error) {
	tokenIDs := seq.CompletionTokenIDs()
	if seq.FinishReason == FinishStop && len(tokenIDs) > 0 {
		tokenIDs = tokenIDs[:len(tokenIDs)-1]
	}
	text, err := e.tokenizer.Decode(tokenIDs)
	if err != nil {
		return CompletionOutput{}, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return CompletionOutput{
		Index:        seq.SampleIndex,
		Text:         text,
		TokenIDs:     append([]int(nil), tokenIDs...),
		FinishReason: seq.FinishReason,
	}, nil
}
