package batch

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nano-vllm-batch/nanovllm"
)

func outputsOf(texts ...[]string) []nanovllm.RequestOutput {
	outputs := make([]nanovllm.RequestOutput, len(texts))
	for i, comps := range texts {
		outputs[i].RequestID = i
		for j, text := range comps {
			outputs[i].Outputs = append(outputs[i].Outputs, nanovllm.CompletionOutput{Index: j, Text: text})
		}
	}
	return outputs
}

func readFile(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := ReadRecords(f)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	return records
}

func TestRecordID(t *testing.T) {
	tests := []struct{ batch, size, offset, want int }{
		{0, 8, 0, 0},
		{0, 8, 1, 1},
		{1, 8, 0, 8},
		{3, 4, 2, 14},
	}
	for _, tt := range tests {
		if got := RecordID(tt.batch, tt.size, tt.offset); got != tt.want {
			t.Errorf("RecordID(%d, %d, %d) = %d, want %d", tt.batch, tt.size, tt.offset, got, tt.want)
		}
	}
}

func TestWriteBatchOrderAndIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := OpenWriter(path, SchemePrompt)
	if err != nil {
		t.Fatal(err)
	}

	n, err := w.WriteBatch(1, 8, outputsOf([]string{"a"}, []string{"b"}, []string{"c"}))
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 records, got %d", n)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	records := readFile(t, path)
	want := []Record{{ID: 8, GeneratedText: "a"}, {ID: 9, GeneratedText: "b"}, {ID: 10, GeneratedText: "c"}}
	if len(records) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(records))
	}
	for i := range want {
		if records[i].ID != want[i].ID || records[i].GeneratedText != want[i].GeneratedText {
			t.Errorf("Record %d: got %+v, want %+v", i, records[i], want[i])
		}
	}
}

func TestWriteBatchMultipleCompletionsShareID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := OpenWriter(path, SchemePrompt)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteBatch(0, 8, outputsOf([]string{"first", "second"})); err != nil {
		t.Fatal(err)
	}
	w.Close()

	records := readFile(t, path)
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].ID != records[1].ID {
		t.Errorf("Completions of one prompt should share an ID, got %d and %d", records[0].ID, records[1].ID)
	}
	if records[0].GeneratedText != "first" || records[1].GeneratedText != "second" {
		t.Errorf("Completions out of engine order: %+v", records)
	}
}

func TestWriteBatchCompletionScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := OpenWriter(path, SchemeCompletion)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteBatch(0, 8, outputsOf([]string{"x", "y"})); err != nil {
		t.Fatal(err)
	}
	w.Close()

	records := readFile(t, path)
	for j, rec := range records {
		if rec.CompletionIndex == nil || *rec.CompletionIndex != j {
			t.Errorf("Record %d: completion_index %v", j, rec.CompletionIndex)
		}
	}
}

func TestRecordsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := OpenWriter(path, SchemePrompt)
	if err != nil {
		t.Fatal(err)
	}
	texts := []string{"plain", "quotes \" and \\ slashes", "line\nbreak", "<|im_end|> & unicode ✓"}
	if _, err := w.WriteBatch(0, 8, outputsOf(texts)); err != nil {
		t.Fatal(err)
	}
	w.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	i := 0
	for scanner.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("Line %d is not JSON: %v", i, err)
		}
		if len(obj) != 2 {
			t.Errorf("Line %d: expected exactly 2 keys, got %v", i, obj)
		}
		if id, ok := obj["ID"].(float64); !ok || id != 0 {
			t.Errorf("Line %d: ID = %v", i, obj["ID"])
		}
		if text, ok := obj["generated_text"].(string); !ok || text != texts[i] {
			t.Errorf("Line %d: generated_text = %v", i, obj["generated_text"])
		}
		i++
	}
	if i != len(texts) {
		t.Errorf("Expected %d lines, got %d", len(texts), i)
	}
}

func TestWriterAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	for range 2 {
		w, err := OpenWriter(path, SchemePrompt)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.WriteBatch(0, 8, outputsOf([]string{"a"})); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if records := readFile(t, path); len(records) != 2 {
		t.Errorf("Expected 2 records after two opens, got %d", len(records))
	}
}

func TestOpenWriterMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.jsonl")
	if _, err := OpenWriter(path, SchemePrompt); err == nil {
		t.Errorf("Expected error for missing parent directory")
	}
}

func TestOpenWriterUnknownScheme(t *testing.T) {
	if _, err := OpenWriter(filepath.Join(t.TempDir(), "o"), "sequential"); !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("Expected ErrUnknownScheme, got %v", err)
	}
}

func TestWriterClosed(t *testing.T) {
	w, err := OpenWriter(filepath.Join(t.TempDir(), "out.jsonl"), SchemePrompt)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if _, err := w.WriteBatch(0, 8, outputsOf([]string{"late"})); err == nil {
		t.Errorf("Expected error writing to a closed writer")
	}
}

func TestReadRecordsRejectsGarbage(t *testing.T) {
	tests := map[string]string{
		"not json":      "{\"ID\": 0, \"generated_text\": \"ok\"}\nnope\n",
		"two values":    "{\"ID\": 0, \"generated_text\": \"a\"} {\"ID\": 1, \"generated_text\": \"b\"}\n",
		"unknown field": "{\"ID\": 0, \"generated_text\": \"a\", \"prompt\": \"p\"}\n",
	}
	for name, input := range tests {
		if _, err := ReadRecords(strings.NewReader(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestReadRecordsNoTrailingNewline(t *testing.T) {
	records, err := ReadRecords(strings.NewReader("{\"ID\": 3, \"generated_text\": \"a\"}\n\n{\"ID\": 4, \"generated_text\": \"b\"}"))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1].ID != 4 {
		t.Errorf("Unexpected records %+v", records)
	}
}
