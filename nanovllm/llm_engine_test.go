package nanovllm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestLLM(t *testing.T, eosAfter int, opts ...ConfigOption) *LLM {
	t.Helper()
	config := NewConfig(t.TempDir(), append([]ConfigOption{WithEOS(2)}, opts...)...)
	return NewLLMWithComponents(config, NewMockModelRunner(config, eosAfter), NewMockTokenizer(2))
}

func TestGenerateKeepsPromptOrder(t *testing.T) {
	llm := newTestLLM(t, 0)
	defer llm.Close()

	prompts := []string{"first prompt", "second", "third one here"}
	sp := NewSamplingParams(WithTemperature(0.1), WithMaxTokens(8))

	outputs, err := llm.Generate(context.Background(), prompts, sp)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(outputs) != len(prompts) {
		t.Fatalf("Expected %d outputs, got %d", len(prompts), len(outputs))
	}
	for i, out := range outputs {
		if out.RequestID != i || out.Prompt != prompts[i] {
			t.Errorf("Output %d is for request %d (%q)", i, out.RequestID, out.Prompt)
		}
		if len(out.Outputs) != 1 {
			t.Fatalf("Expected 1 completion, got %d", len(out.Outputs))
		}
		c := out.Outputs[0]
		if len(c.TokenIDs) != 8 || len([]rune(c.Text)) != 8 {
			t.Errorf("Expected 8 tokens, got %d (%q)", len(c.TokenIDs), c.Text)
		}
		if c.FinishReason != FinishLength {
			t.Errorf("Expected finish reason %q, got %q", FinishLength, c.FinishReason)
		}
	}
	if !llm.IsFinished() {
		t.Errorf("Engine should be idle after Generate")
	}
}

func TestGenerateMultipleCompletions(t *testing.T) {
	llm := newTestLLM(t, 0)

	sp := NewSamplingParams(WithMaxTokens(6), WithN(3))
	outputs, err := llm.Generate(context.Background(), []string{"a", "b"}, sp)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for _, out := range outputs {
		if len(out.Outputs) != 3 {
			t.Fatalf("Expected 3 completions, got %d", len(out.Outputs))
		}
		for j, c := range out.Outputs {
			if c.Index != j {
				t.Errorf("Completion %d has index %d", j, c.Index)
			}
		}
		if out.Outputs[0].Text == out.Outputs[1].Text {
			t.Errorf("Samples of one prompt should differ, both %q", out.Outputs[0].Text)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	sp := NewSamplingParams(WithMaxTokens(5))
	prompts := []string{"hello", "world"}

	first, err := newTestLLM(t, 0).Generate(context.Background(), prompts, sp)
	if err != nil {
		t.Fatal(err)
	}
	second, err := newTestLLM(t, 0).Generate(context.Background(), prompts, sp)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i].Outputs[0].Text != second[i].Outputs[0].Text {
			t.Errorf("Prompt %d: %q != %q", i, first[i].Outputs[0].Text, second[i].Outputs[0].Text)
		}
	}
}

func TestGenerateStopsAtEOS(t *testing.T) {
	llm := newTestLLM(t, 3)

	outputs, err := llm.Generate(context.Background(), []string{"stop early"}, NewSamplingParams(WithMaxTokens(50)))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	c := outputs[0].Outputs[0]
	if c.FinishReason != FinishStop {
		t.Errorf("Expected finish reason %q, got %q", FinishStop, c.FinishReason)
	}
	if len(c.TokenIDs) != 3 {
		t.Errorf("EOS should be stripped, got %d tokens", len(c.TokenIDs))
	}
	if strings.ContainsRune(c.Text, rune(2)) {
		t.Errorf("Text should not contain EOS: %q", c.Text)
	}
}

func TestGenerateIgnoreEOS(t *testing.T) {
	llm := newTestLLM(t, 3)

	sp := NewSamplingParams(WithMaxTokens(10), WithIgnoreEOS(true))
	outputs, err := llm.Generate(context.Background(), []string{"keep going"}, sp)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got := outputs[0].Outputs[0]; got.FinishReason != FinishLength || len(got.TokenIDs) != 10 {
		t.Errorf("Expected 10 tokens and length finish, got %d and %q", len(got.TokenIDs), got.FinishReason)
	}
}

func TestGenerateWithPreemption(t *testing.T) {
	llm := newTestLLM(t, 0, WithNumKVCacheBlocks(2))

	prompts := []string{strings.Repeat("x", 200), strings.Repeat("y", 200)}
	outputs, err := llm.Generate(context.Background(), prompts, NewSamplingParams(WithMaxTokens(100)))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for i, out := range outputs {
		if n := len(out.Outputs[0].TokenIDs); n != 100 {
			t.Errorf("Prompt %d: expected 100 tokens, got %d", i, n)
		}
	}
}

func TestGenerateRejectsOversizedPrompt(t *testing.T) {
	llm := newTestLLM(t, 0, WithMaxModelLen(16))

	_, err := llm.Generate(context.Background(), []string{strings.Repeat("z", 17)}, NewSamplingParams())
	if err == nil {
		t.Fatalf("Expected error for prompt longer than max model length")
	}
	if !llm.IsFinished() {
		t.Errorf("Rejected request should leave the engine idle")
	}
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	llm := newTestLLM(t, 0)

	if _, err := llm.Generate(context.Background(), []string{""}, NewSamplingParams()); err == nil {
		t.Fatalf("Expected error for empty prompt")
	}
}

func TestGenerateCancelled(t *testing.T) {
	llm := newTestLLM(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := llm.Generate(ctx, []string{"never runs"}, NewSamplingParams())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !llm.IsFinished() {
		t.Errorf("Cancelled run should drop pending sequences")
	}
}

func TestGenerateEmpty(t *testing.T) {
	llm := newTestLLM(t, 0)

	outputs, err := llm.Generate(context.Background(), nil, NewSamplingParams())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("Expected no outputs, got %d", len(outputs))
	}
}

func TestNewLLMDefaultsEOS(t *testing.T) {
	config := NewConfig(t.TempDir())
	llm := NewLLM(config)
	if config.EOS != 2 {
		t.Errorf("Expected default EOS 2, got %d", config.EOS)
	}
	outputs, err := llm.Generate(context.Background(), []string{"hi"}, NewSamplingParams(WithMaxTokens(30)))
	if err != nil {
		t.Fatal(err)
	}
	if got := outputs[0].Outputs[0]; got.FinishReason != FinishStop || len(got.TokenIDs) != 20 {
		t.Errorf("Expected stop after 20 tokens, got %d tokens (%q)", len(got.TokenIDs), got.FinishReason)
	}
}

func TestBuildConfigRejectsMissingModel(t *testing.T) {
	if _, err := BuildConfig("/definitely/not/here"); err == nil {
		t.Errorf("Expected error for missing model path")
	}
	if _, err := BuildConfig(t.TempDir(), WithKVCacheBlockSize(100)); err == nil {
		t.Errorf("Expected error for block size not divisible by 256")
	}
}
