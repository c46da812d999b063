// Package hftok adapts HuggingFace tokenizers to nanovllm.Tokenizer.
package hftok

import (
	"fmt"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// Tokenizer wraps a pure-Go tokenizer loaded from a hub repository.
type Tokenizer struct {
	tok   api.Tokenizer
	eosID int
}

// FromRepo loads the tokenizer of repo. fallbackEOS is used when the
// tokenizer does not declare an end-of-sentence token.
func FromRepo(repo *hub.Repo, fallbackEOS int) (*Tokenizer, error) {
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return wrap(tok, fallbackEOS), nil
}

func wrap(tok api.Tokenizer, fallbackEOS int) *Tokenizer {
	eosID, err := tok.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		eosID = fallbackEOS
	}
	return &Tokenizer{tok: tok, eosID: eosID}
}

// Encode converts text to token IDs
func (t *Tokenizer) Encode(text string) ([]int, error) {
	return t.tok.Encode(text), nil
}

// Decode converts token IDs to text
func (t *Tokenizer) Decode(tokenIDs []int) (string, error) {
	return t.tok.Decode(tokenIDs), nil
}

// EOSTokenID returns the EOS token ID
func (t *Tokenizer) EOSTokenID() int {
	return t.eosID
}
