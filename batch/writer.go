package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"nano-vllm-batch/nanovllm"
)

// IDScheme selects how records are numbered.
type IDScheme string

const (
	// SchemePrompt numbers records by prompt position only. Completions of
	// the same prompt share an ID.
	SchemePrompt IDScheme = "prompt"
	// SchemeCompletion adds completion_index so (ID, completion_index) is
	// unique within a run.
	SchemeCompletion IDScheme = "completion"
)

// ErrUnknownScheme is returned for an ID scheme other than prompt or completion.
var ErrUnknownScheme = errors.New("unknown id scheme")

// Valid reports whether s is a known scheme.
func (s IDScheme) Valid() bool {
	return s == SchemePrompt || s == SchemeCompletion
}

// Record is one line of the output file.
type Record struct {
	ID              int    `json:"ID"`
	GeneratedText   string `json:"generated_text"`
	CompletionIndex *int   `json:"completion_index,omitempty"`
}

// RecordID is the positional ID of the prompt at offset within batch
// batchIndex. It does not depend on how many completions a prompt has.
func RecordID(batchIndex, batchSize, offset int) int {
	return batchIndex*batchSize + offset
}

// Writer appends records to a JSONL file. The file is opened once and held
// until Close.
type Writer struct {
	path   string
	scheme IDScheme
	f      *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
}

// OpenWriter opens path for appending, creating it if needed. The parent
// directory must exist.
func OpenWriter(path string, scheme IDScheme) (*Writer, error) {
	if !scheme.Valid() {
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, scheme)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{path: path, scheme: scheme, f: f, buf: buf, enc: enc}, nil
}

// Path returns the output file path.
func (w *Writer) Path() string {
	return w.path
}

// WriteBatch appends one record per completion of outputs: prompts in batch
// order, completions in engine order. The batch is flushed to the file before
// returning. It returns the number of records written.
func (w *Writer) WriteBatch(batchIndex, batchSize int, outputs []nanovllm.RequestOutput) (int, error) {
	if w.f == nil {
		return 0, fmt.Errorf("write to closed output %s", w.path)
	}

	written := 0
	for offset, out := range outputs {
		id := RecordID(batchIndex, batchSize, offset)
		for j, comp := range out.Outputs {
			rec := Record{ID: id, GeneratedText: comp.Text}
			if w.scheme == SchemeCompletion {
				rec.CompletionIndex = &j
			}
			if err := w.enc.Encode(rec); err != nil {
				return written, fmt.Errorf("failed to write record %d to %s: %w", id, w.path, err)
			}
			written++
		}
	}

	if err := w.buf.Flush(); err != nil {
		return written, fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	return written, nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return fmt.Errorf("failed to write %s: %w", w.path, flushErr)
	}
	return closeErr
}

// ReadRecords parses a JSONL stream. Blank lines are skipped; any other line
// must hold exactly one JSON object.
func ReadRecords(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	records := make([]Record, 0)
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec Record
			dec := json.NewDecoder(bytes.NewReader(line))
			dec.DisallowUnknownFields()
			if derr := dec.Decode(&rec); derr != nil {
				return records, fmt.Errorf("line %d: %w", lineNo, derr)
			}
			if dec.More() {
				return records, fmt.Errorf("line %d: more than one value", lineNo)
			}
			records = append(records, rec)
		}
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
	}
}
