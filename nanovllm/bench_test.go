package nanovllm

import (
	"context"
	"math/rand"
	"strings"
	"testing"
)

// BenchmarkGenerate measures scheduler and block manager overhead with the
// mock runner, so the numbers exclude model compute.
func BenchmarkGenerate(b *testing.B) {
	const (
		numRequests = 64
		minInputLen = 100
		maxInputLen = 1024
	)

	config := NewConfig(b.TempDir(),
		WithMaxNumSeqs(512),
		WithMaxNumBatchedTokens(16384),
		WithVocabSize(128),
	)
	llm := NewLLM(config)
	defer llm.Close()

	rng := rand.New(rand.NewSource(1))
	prompts := make([]string, numRequests)
	for i := range prompts {
		prompts[i] = strings.Repeat("x", minInputLen+rng.Intn(maxInputLen-minInputLen+1))
	}
	sp := NewSamplingParams(WithTemperature(0.6), WithMaxTokens(128), WithIgnoreEOS(true))

	var tokens int
	for b.Loop() {
		outputs, err := llm.Generate(context.Background(), prompts, sp)
		if err != nil {
			b.Fatalf("Generate: %v", err)
		}
		for _, out := range outputs {
			for _, comp := range out.Outputs {
				tokens += len(comp.TokenIDs)
			}
		}
	}
	b.ReportMetric(float64(tokens)/b.Elapsed().Seconds(), "tok/s")
}
