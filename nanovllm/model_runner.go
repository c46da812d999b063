package nanovllm

// ModelRunner executes one forward step and returns the next token ID for
// each scheduled sequence. Backends live outside this package (ONNX Runtime,
// remote servers); the engine only sees this interface.
type ModelRunner interface {
	Run(seqs []*Sequence, isPrefill bool) ([]int, error)

	// Close cleans up resources
	Close() error
}

// MockModelRunner is a deterministic runner for tests and dry runs. The token
// it emits depends only on the request, the sample index and the position,
// so repeated runs produce identical text and samples of one prompt differ.
type MockModelRunner struct {
	config   *Config
	vocab    int
	eosAfter int
}

// NewMockModelRunner creates a mock runner that emits EOS once a sequence
// has eosAfter completion tokens. eosAfter <= 0 never emits EOS.
func NewMockModelRunner(config *Config, eosAfter int) *MockModelRunner {
	return &MockModelRunner{
		config:   config,
		vocab:    config.VocabSize,
		eosAfter: eosAfter,
	}
}

// Run generates mock output tokens
func (m *MockModelRunner) Run(seqs []*Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		if m.eosAfter > 0 && seq.NumCompletionTokens() >= m.eosAfter {
			tokenIDs[i] = m.config.EOS
			continue
		}
		// Printable ASCII through MockTokenizer, never a special ID.
		tokenIDs[i] = 33 + (seq.RequestID*31+seq.SampleIndex*7+seq.NumTokens)%(min(m.vocab, 94))
	}
	return tokenIDs, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
}

// MockTokenizer maps runes to IDs one-to-one. IDs below 32 are reserved.
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode performs mock tokenization
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int(r))
	}
	return tokens, nil
}

// Decode performs mock detokenization
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	runes := make([]rune, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == t.eosTokenID {
			continue
		}
		runes = append(runes, rune(id))
	}
	return string(runes), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
