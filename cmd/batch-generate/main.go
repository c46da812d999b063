// Command batch-generate runs a list of prompts through a language model in
// fixed-size batches and appends one JSON line per completion to a file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"k8s.io/klog/v2"

	"nano-vllm-batch/batch"
	"nano-vllm-batch/chat"
	"nano-vllm-batch/hftok"
	"nano-vllm-batch/nanovllm"
	"nano-vllm-batch/onnxrunner"
	"nano-vllm-batch/openai"
	"nano-vllm-batch/resolve"
)

// options holds the command-line flags. Flags that were set override the
// matching keys of the configuration file.
type options struct {
	config    string
	output    string
	batchSize int
	backend   string
	serverURL string
	idScheme  string
	n         int
	quiet     bool
	verify    string
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.config, "config", "", "TOML configuration file. Built-in defaults are used when empty.")
	fs.StringVar(&o.output, "output", "", "Output JSONL path (overrides output_path).")
	fs.IntVar(&o.batchSize, "batch-size", 0, "Prompts per batch (overrides batch_size).")
	fs.StringVar(&o.backend, "backend", "", "Generation backend: openai, onnx or mock (overrides backend).")
	fs.StringVar(&o.serverURL, "server-url", "", "OpenAI-compatible base URL (overrides server_url).")
	fs.StringVar(&o.idScheme, "id-scheme", "", "Record ID scheme: prompt or completion (overrides id_scheme).")
	fs.IntVar(&o.n, "n", 0, "Completions per prompt (overrides n).")
	fs.BoolVar(&o.quiet, "quiet", false, "Hide progress bars.")
	fs.StringVar(&o.verify, "verify", "", "Parse an existing output file, report its records and exit.")
}

func main() {
	var opts options
	opts.register(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if opts.verify != "" {
		err = verify(opts.verify, os.Stdout)
	} else {
		err = run(ctx, &opts, flag.CommandLine)
	}
	if err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func loadConfig(o *options, fs *flag.FlagSet) (*batch.Config, error) {
	cfg := batch.DefaultConfig()
	if o.config != "" {
		var err error
		if cfg, err = batch.LoadConfig(o.config); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.OutputPath = o.output
		case "batch-size":
			cfg.BatchSize = o.batchSize
		case "backend":
			cfg.Backend = o.backend
		case "server-url":
			cfg.ServerURL = o.serverURL
		case "id-scheme":
			cfg.IDScheme = batch.IDScheme(o.idScheme)
		case "n":
			cfg.N = o.n
		case "quiet":
			cfg.Quiet = o.quiet
		}
	})
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, o *options, fs *flag.FlagSet) error {
	cfg, err := loadConfig(o, fs)
	if err != nil {
		return err
	}
	sp, err := cfg.SamplingParams()
	if err != nil {
		return err
	}
	klog.Infof("Model %s via %s backend, batch size %d, n=%d, temperature %g, max tokens %d",
		cfg.Model, cfg.Backend, cfg.BatchSize, cfg.N, cfg.Temperature, cfg.MaxTokens)

	tmpl, err := chatTemplate(ctx, cfg)
	if err != nil {
		return err
	}

	klog.Infof("Loading model %s (%s backend)", cfg.Model, cfg.Backend)
	gen, closeGen, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGen()
	klog.Info("Model loaded")

	w, err := batch.OpenWriter(cfg.OutputPath, cfg.IDScheme)
	if err != nil {
		return err
	}
	defer w.Close()

	d := &batch.Driver{
		Template:     tmpl,
		Generator:    gen,
		Writer:       w,
		BatchSize:    cfg.BatchSize,
		Sampling:     sp,
		SystemPrompt: cfg.SystemPrompt,
		Quiet:        cfg.Quiet,
	}
	summary, err := d.Run(ctx, cfg.Prompts)
	if err != nil {
		return fmt.Errorf("run stopped after %d batches (%d records written): %w", summary.Batches, summary.Records, err)
	}
	return w.Close()
}

func tokenizerSpec(cfg *batch.Config) resolve.Spec {
	return resolve.Spec{
		Path:     cfg.Tokenizer,
		Repo:     cfg.Tokenizer,
		CacheDir: cfg.CacheDir,
		Token:    os.Getenv("HF_TOKEN"),
		Progress: !cfg.Quiet,
	}
}

// chatTemplate picks the prompt template. "auto" prefers the chat_template
// shipped in the tokenizer's tokenizer_config.json and falls back to a
// built-in guessed from the tokenizer name when that template is missing or
// fails to render a sample conversation.
func chatTemplate(ctx context.Context, cfg *batch.Config) (chat.Template, error) {
	if cfg.Template != "auto" {
		return chat.Builtin(cfg.Template)
	}
	if cfg.Backend == batch.BackendMock {
		return chat.ForModel(cfg.Tokenizer), nil
	}

	dir, err := resolve.Dir(ctx, tokenizerSpec(cfg), "tokenizer_config.json")
	if err == nil {
		var tmpl *chat.Jinja
		if tmpl, err = chat.LoadTokenizerConfig(dir); err == nil {
			if err = trialRender(tmpl, cfg.SystemPrompt); err == nil {
				klog.V(1).Infof("Using chat template from %s", dir)
				return tmpl, nil
			}
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	klog.Warningf("No usable chat template for %s (%v), using built-in", cfg.Tokenizer, err)
	return chat.ForModel(cfg.Tokenizer), nil
}

// trialRender applies tmpl to a conversation shaped like the ones the driver
// sends, so render failures show up before any model is loaded.
func trialRender(tmpl chat.Template, systemPrompt string) error {
	msgs := chat.User("ping")
	if systemPrompt != "" {
		msgs = append([]chat.Message{{Role: chat.RoleSystem, Content: systemPrompt}}, msgs...)
	}
	out, err := tmpl.Apply(msgs, true)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "ping") {
		return fmt.Errorf("chat template dropped the user message, rendered %q", out)
	}
	return nil
}

// closeAll returns a func that closes every part implementing io.Closer, in
// order.
func closeAll(parts ...any) func() {
	return func() {
		for _, p := range parts {
			c, ok := p.(io.Closer)
			if !ok {
				continue
			}
			if err := c.Close(); err != nil {
				klog.Warningf("Close %T: %v", p, err)
			}
		}
	}
}

// newTokenizer loads the tokenizer for the onnx backend. Builds with the
// tokenizers tag replace it with the native loader.
var newTokenizer = func(_ context.Context, cfg *batch.Config) (nanovllm.Tokenizer, error) {
	spec := tokenizerSpec(cfg)
	if spec.Local() {
		return nil, fmt.Errorf("tokenizer %s: local tokenizer directories need a build with -tags tokenizers", cfg.Tokenizer)
	}
	return hftok.FromRepo(spec.Hub(), cfg.EOS)
}

func engineConfig(modelPath string, cfg *batch.Config) (*nanovllm.Config, error) {
	return nanovllm.BuildConfig(modelPath,
		nanovllm.WithMaxModelLen(cfg.MaxModelLen),
		nanovllm.WithMaxNumBatchedTokens(max(16384, cfg.MaxModelLen)),
		nanovllm.WithMaxNumSeqs(max(cfg.BatchSize*cfg.N, 1)),
		nanovllm.WithVocabSize(cfg.VocabSize),
		nanovllm.WithEOS(cfg.EOS),
		nanovllm.WithProgress(!cfg.Quiet),
	)
}

func newGenerator(ctx context.Context, cfg *batch.Config) (batch.Generator, func(), error) {
	switch cfg.Backend {
	case batch.BackendOpenAI:
		return openai.New(cfg.ServerURL, cfg.APIKey, cfg.Model, cfg.Timeout.Duration), func() {}, nil

	case batch.BackendMock:
		config, err := engineConfig(".", cfg)
		if err != nil {
			return nil, nil, err
		}
		llm := nanovllm.NewLLM(config)
		return llm, closeAll(llm), nil

	case batch.BackendONNX:
		if err := onnxrunner.Initialize(cfg.ORTLibrary); err != nil {
			return nil, nil, err
		}
		modelPath, err := resolve.Model(ctx, resolve.Spec{
			Path:     cfg.Model,
			Repo:     cfg.ModelRepo,
			File:     cfg.ModelFile,
			CacheDir: cfg.CacheDir,
			Token:    os.Getenv("HF_TOKEN"),
			Progress: !cfg.Quiet,
		})
		if err != nil {
			return nil, nil, err
		}
		tok, err := newTokenizer(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		config, err := engineConfig(modelPath, cfg)
		if err != nil {
			closeAll(tok)()
			return nil, nil, err
		}
		runner, err := onnxrunner.New(modelPath, config, cfg.Threads)
		if err != nil {
			closeAll(tok)()
			return nil, nil, err
		}
		llm := nanovllm.NewLLMWithComponents(config, runner, tok)
		if config.EOS < 0 {
			klog.Warning("No EOS token id known; completions run to max_tokens")
		}
		klog.V(1).Infof("ONNX model %s, EOS %d", modelPath, config.EOS)
		return llm, closeAll(llm, tok), nil
	}
	return nil, nil, fmt.Errorf("%w %q", batch.ErrUnknownBackend, cfg.Backend)
}

// verify reads an output file and reports its record and ID counts to w.
func verify(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := batch.ReadRecords(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	ids := make(map[int]int)
	for _, rec := range records {
		ids[rec.ID]++
	}
	dup := 0
	for _, count := range ids {
		if count > 1 {
			dup++
		}
	}
	_, err = fmt.Fprintf(w, "%s: %d records, %d distinct IDs, %d IDs repeated\n", path, len(records), len(ids), dup)
	return err
}
