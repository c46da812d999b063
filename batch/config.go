package batch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"nano-vllm-batch/nanovllm"
)

// Generation backends.
const (
	// BackendOpenAI talks to an OpenAI-compatible server such as vLLM.
	BackendOpenAI = "openai"
	// BackendONNX runs an ONNX model in process.
	BackendONNX = "onnx"
	// BackendMock runs the in-process engine with its deterministic mock
	// runner; no weights are loaded.
	BackendMock = "mock"
)

// ErrUnknownBackend is returned for a backend name not listed above.
var ErrUnknownBackend = errors.New("unknown backend")

// DefaultPrompts are used when the configuration lists none.
var DefaultPrompts = []string{
	"How many helicopters can a human eat in one sitting?",
	"What's the future of AI?",
}

// Duration decodes TOML strings such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is everything a run needs. The zero-argument CLI uses DefaultConfig.
type Config struct {
	Model        string   `toml:"model"`
	ModelRepo    string   `toml:"model_repo"`
	ModelFile    string   `toml:"model_file"`
	Tokenizer    string   `toml:"tokenizer"`
	OutputPath   string   `toml:"output_path"`
	BatchSize    int      `toml:"batch_size"`
	Temperature  float64  `toml:"temperature"`
	MaxTokens    int      `toml:"max_tokens"`
	N            int      `toml:"n"`
	IDScheme     IDScheme `toml:"id_scheme"`
	Backend      string   `toml:"backend"`
	ServerURL    string   `toml:"server_url"`
	APIKey       string   `toml:"api_key"`
	Timeout      Duration `toml:"timeout"`
	Template     string   `toml:"template"`
	SystemPrompt string   `toml:"system_prompt"`
	Prompts      []string `toml:"prompts"`
	Quiet        bool     `toml:"quiet"`

	// In-process engine settings.
	MaxModelLen int    `toml:"max_model_len"`
	VocabSize   int    `toml:"vocab_size"`
	EOS         int    `toml:"eos_token_id"`
	Threads     int    `toml:"threads"`
	ORTLibrary  string `toml:"onnxruntime_library"`
	CacheDir    string `toml:"cache_dir"`
}

// DefaultConfig returns the stock run: phi-4 behind a local vLLM server,
// batches of 8, temperature 0.1, up to 2048 new tokens.
func DefaultConfig() *Config {
	return &Config{
		Model:       "microsoft/phi-4",
		Tokenizer:   "microsoft/phi-4",
		OutputPath:  "generated_outputs.jsonl",
		BatchSize:   8,
		Temperature: 0.1,
		MaxTokens:   2048,
		N:           1,
		IDScheme:    SchemePrompt,
		Backend:     BackendOpenAI,
		ServerURL:   "http://localhost:8000/v1",
		Timeout:     Duration{10 * time.Minute},
		Template:    "auto",
		Prompts:     append([]string(nil), DefaultPrompts...),
		MaxModelLen: 4096,
		VocabSize:   100352,
		EOS:         -1,
	}
}

// LoadConfig decodes the TOML file at path over DefaultConfig. Keys the
// Config does not know are an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// SamplingParams builds the sampling configuration. Temperature 0 (greedy)
// is passed through to an openai server; the in-process engine needs a
// positive temperature.
func (c *Config) SamplingParams() (*nanovllm.SamplingParams, error) {
	sp := &nanovllm.SamplingParams{
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		N:           c.N,
	}
	validate := sp.Validate
	if c.Backend == BackendOpenAI {
		validate = sp.ValidateLimits
	}
	if err := validate(); err != nil {
		return nil, err
	}
	return sp, nil
}

// Validate checks the configuration before any model is loaded.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w, got %d", ErrInvalidBatchSize, c.BatchSize)
	}
	if _, err := c.SamplingParams(); err != nil {
		return err
	}
	if !c.IDScheme.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownScheme, c.IDScheme)
	}
	if c.OutputPath == "" {
		return errors.New("output_path is empty")
	}
	switch c.Backend {
	case BackendOpenAI:
		if c.ServerURL == "" {
			return errors.New("server_url is required for the openai backend")
		}
	case BackendONNX:
		if c.ModelRepo == "" && c.Model == "" {
			return errors.New("model or model_repo is required for the onnx backend")
		}
	case BackendMock:
	default:
		return fmt.Errorf("%w %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}
