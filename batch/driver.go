package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"nano-vllm-batch/chat"
	"nano-vllm-batch/nanovllm"
)

// Generator produces completions for one batch of formatted prompts,
// returning one RequestOutput per prompt in input order.
type Generator interface {
	Generate(ctx context.Context, prompts []string, sp *nanovllm.SamplingParams) ([]nanovllm.RequestOutput, error)
}

// Driver formats prompts, batches them and feeds each batch through the
// generator and then the writer, strictly in order.
type Driver struct {
	Template     chat.Template
	Generator    Generator
	Writer       *Writer
	BatchSize    int
	Sampling     *nanovllm.SamplingParams
	SystemPrompt string
	// Progress receives the batch progress bar; nil means stderr.
	Progress io.Writer
	Quiet    bool
}

// Summary describes a finished run.
type Summary struct {
	Batches int
	Prompts int
	Records int
	Elapsed time.Duration
}

// Format applies the chat template to each prompt as a single user turn,
// preceded by the system prompt when one is set.
func (d *Driver) Format(prompts []string) ([]string, error) {
	formatted := make([]string, len(prompts))
	for i, p := range prompts {
		msgs := chat.User(p)
		if d.SystemPrompt != "" {
			msgs = append([]chat.Message{{Role: chat.RoleSystem, Content: d.SystemPrompt}}, msgs...)
		}
		text, err := d.Template.Apply(msgs, true)
		if err != nil {
			return nil, fmt.Errorf("failed to format prompt %d: %w", i, err)
		}
		formatted[i] = text
	}
	return formatted, nil
}

// Run processes prompts batch by batch. A failure stops the run; records of
// earlier batches stay in the output and are counted in the summary.
func (d *Driver) Run(ctx context.Context, prompts []string) (summary Summary, err error) {
	start := time.Now()
	summary.Prompts = len(prompts)
	defer func() {
		summary.Elapsed = time.Since(start)
	}()

	klog.Info("Creating prompts")
	formatted, err := d.Format(prompts)
	if err != nil {
		return summary, err
	}

	batches, err := Split(formatted, d.BatchSize)
	if err != nil {
		return summary, err
	}
	if len(batches) == 0 {
		klog.Warning("No prompts to process")
		return summary, nil
	}

	bar := d.progressBar(len(batches))
	defer bar.Finish()

	klog.Infof("Starting inference: %d prompts in %d batches of up to %d", len(prompts), len(batches), d.BatchSize)
	for batchIndex, group := range batches {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		klog.V(1).Infof("Batch %d/%d: %d prompts", batchIndex+1, len(batches), len(group))
		outputs, err := d.Generator.Generate(ctx, group, d.Sampling)
		if err != nil {
			return summary, fmt.Errorf("batch %d: generation failed: %w", batchIndex, err)
		}
		if len(outputs) != len(group) {
			return summary, fmt.Errorf("batch %d: generator returned %d outputs for %d prompts", batchIndex, len(outputs), len(group))
		}

		n, err := d.Writer.WriteBatch(batchIndex, d.BatchSize, outputs)
		summary.Records += n
		if err != nil {
			return summary, fmt.Errorf("batch %d: %w", batchIndex, err)
		}
		summary.Batches++
		_ = bar.Add(1)
	}

	klog.Infof("Wrote %d records for %d prompts to %s in %s",
		summary.Records, summary.Prompts, d.Writer.Path(), time.Since(start).Round(time.Millisecond))
	return summary, nil
}

func (d *Driver) progressBar(total int) *progressbar.ProgressBar {
	w := d.Progress
	if w == nil {
		w = os.Stderr
	}
	if d.Quiet {
		w = io.Discard
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Processing batches"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batch"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}
