//go:build tokenizers
// +build tokenizers

package main

import (
	"context"
	"path/filepath"

	"nano-vllm-batch/batch"
	"nano-vllm-batch/hftok"
	"nano-vllm-batch/nanovllm"
	"nano-vllm-batch/resolve"
)

func init() {
	newTokenizer = func(ctx context.Context, cfg *batch.Config) (nanovllm.Tokenizer, error) {
		dir, err := resolve.Dir(ctx, tokenizerSpec(cfg), "tokenizer.json")
		if err != nil {
			return nil, err
		}
		return hftok.NewNative(filepath.Join(dir, "tokenizer.json"), cfg.EOS)
	}
}
