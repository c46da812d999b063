package nanovllm

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
}

// NewLLM creates an LLM backed by the mock runner and tokenizer. Useful for
// dry runs of a pipeline without model weights.
func NewLLM(config *Config) *LLM {
	if config.EOS == -1 {
		config.EOS = 2
	}
	return NewLLMWithComponents(config, NewMockModelRunner(config, 20), NewMockTokenizer(config.EOS))
}

// NewLLMWithComponents creates a new LLM with custom components. An unset
// EOS in config is taken from the tokenizer.
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLM {
	if config.EOS == -1 {
		config.EOS = tokenizer.EOSTokenID()
	}
	return &LLM{
		LLMEngine: NewLLMEngine(config, modelRunner, tokenizer),
	}
}
