//go:build tokenizers
// +build tokenizers

package hftok

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// Native wraps the Rust HuggingFace tokenizers library. It reads a local
// tokenizer.json and needs libtokenizers.a at link time.
type Native struct {
	tk    *tokenizers.Tokenizer
	eosID int
}

// NewNative loads tokenizer.json from path.
func NewNative(path string, eosID int) (*Native, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return &Native{tk: tk, eosID: eosID}, nil
}

// Encode converts text to token IDs without adding special tokens; chat
// templates already carry them.
func (n *Native) Encode(text string) ([]int, error) {
	ids, _ := n.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts token IDs to text, skipping special tokens.
func (n *Native) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return n.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID
func (n *Native) EOSTokenID() int {
	return n.eosID
}

// Close frees the underlying tokenizer.
func (n *Native) Close() error {
	return n.tk.Close()
}
