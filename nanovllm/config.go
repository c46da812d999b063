package nanovllm

import (
	"fmt"
	"os"
)

// Config holds the configuration for the LLM engine
type Config struct {
	Model               string
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	EOS                 int
	KVCacheBlockSize    int
	NumKVCacheBlocks    int
	VocabSize           int
	ShowProgress        bool
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values.
// It panics when the resulting configuration is invalid.
func NewConfig(modelPath string, opts ...ConfigOption) *Config {
	c, err := BuildConfig(modelPath, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// BuildConfig is NewConfig returning the validation error instead of panicking.
func BuildConfig(modelPath string, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		Model:               modelPath,
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         4096,
		EOS:                 -1,
		KVCacheBlockSize:    256,
		NumKVCacheBlocks:    -1,
		VocabSize:           32000,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if _, err := os.Stat(c.Model); err != nil {
		return fmt.Errorf("model path %q: %w", c.Model, err)
	}

	if c.KVCacheBlockSize <= 0 || c.KVCacheBlockSize%256 != 0 {
		return fmt.Errorf("kvcache_block_size must be a positive multiple of 256, got %d", c.KVCacheBlockSize)
	}

	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be >= 1")
	}

	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("max_num_batched_tokens must be >= max_model_len")
	}

	if c.VocabSize < 1 {
		return fmt.Errorf("vocab_size must be >= 1")
	}

	return nil
}

// numBlocks resolves the KV cache block count, -1 meaning the default pool.
func (c *Config) numBlocks() int {
	if c.NumKVCacheBlocks <= 0 {
		return 1024
	}
	return c.NumKVCacheBlocks
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}

// WithVocabSize sets the vocabulary size used by model runners
func WithVocabSize(n int) ConfigOption {
	return func(c *Config) {
		c.VocabSize = n
	}
}

// WithProgress enables the generation progress bar
func WithProgress(b bool) ConfigOption {
	return func(c *Config) {
		c.ShowProgress = b
	}
}
