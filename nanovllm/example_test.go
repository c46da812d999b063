package nanovllm_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"nano-vllm-batch/nanovllm"
)

func ExampleLLMEngine_Generate() {
	dir, err := os.MkdirTemp("", "model")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	config := nanovllm.NewConfig(dir, nanovllm.WithVocabSize(128))
	llm := nanovllm.NewLLM(config)
	defer llm.Close()

	sp := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(0.6),
		nanovllm.WithMaxTokens(8),
		nanovllm.WithN(2),
	)
	prompts := []string{
		"Hello, Nano-vLLM-Go!",
		"What is the meaning of life?",
	}

	outputs, err := llm.Generate(context.Background(), prompts, sp)
	if err != nil {
		log.Fatal(err)
	}
	for _, out := range outputs {
		for _, comp := range out.Outputs {
			fmt.Printf("prompt %d sample %d: %d tokens, %s\n", out.RequestID, comp.Index, len(comp.TokenIDs), comp.FinishReason)
		}
	}
	// Output:
	// prompt 0 sample 0: 8 tokens, length
	// prompt 0 sample 1: 8 tokens, length
	// prompt 1 sample 0: 8 tokens, length
	// prompt 1 sample 1: 8 tokens, length
}
