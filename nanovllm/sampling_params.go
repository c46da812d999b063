package nanovllm

import "fmt"

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
	IgnoreEOS   bool
	// N is the number of completions generated for each prompt.
	N int
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values.
// It panics on invalid parameters.
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
		N:           1,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.Validate(); err != nil {
		panic(err)
	}

	return sp
}

// Validate checks the parameters for this engine, which samples and so
// needs a positive temperature.
func (sp *SamplingParams) Validate() error {
	if sp.Temperature <= 1e-10 {
		return fmt.Errorf("greedy sampling is not permitted (temperature too low)")
	}
	return sp.ValidateLimits()
}

// ValidateLimits checks everything except the temperature lower bound.
// Servers that support greedy decoding accept temperature 0.
func (sp *SamplingParams) ValidateLimits() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %g", sp.Temperature)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", sp.MaxTokens)
	}
	if sp.N < 1 {
		return fmt.Errorf("n must be >= 1, got %d", sp.N)
	}
	return nil
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithN sets how many completions to sample per prompt
func WithN(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.N = n
	}
}
