package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"
)

// ErrNoChatTemplate is returned when tokenizer_config.json has no template.
var ErrNoChatTemplate = errors.New("chat: tokenizer config has no chat_template")

// Jinja renders a HuggingFace chat_template.
type Jinja struct {
	tpl      *exec.Template
	BOSToken string
	EOSToken string
}

// NewJinja compiles source.
func NewJinja(source, bosToken, eosToken string) (*Jinja, error) {
	tpl, err := gonja.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("chat: failed to parse chat template: %w", err)
	}
	return &Jinja{tpl: tpl, BOSToken: bosToken, EOSToken: eosToken}, nil
}

type templateError string

// Apply renders the template with the variables transformers provides.
func (j *Jinja) Apply(msgs []Message, addGenerationPrompt bool) (out string, err error) {
	if err := validate(msgs); err != nil {
		return "", err
	}

	messages := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		messages[i] = map[string]any{"role": m.Role, "content": m.Content}
	}

	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(templateError); ok {
				out, err = "", fmt.Errorf("chat: template raised: %s", string(msg))
				return
			}
			panic(r)
		}
	}()

	out, err = j.tpl.ExecuteToString(exec.NewContext(map[string]any{
		"messages":              messages,
		"add_generation_prompt": addGenerationPrompt,
		"bos_token":             j.BOSToken,
		"eos_token":             j.EOSToken,
		"raise_exception": func(msg string) string {
			panic(templateError(msg))
		},
	}))
	if err != nil {
		return "", fmt.Errorf("chat: failed to render chat template: %w", err)
	}
	return out, nil
}

// specialToken accepts both the plain-string and the AddedToken object forms
// found in tokenizer_config.json.
type specialToken string

func (s *specialToken) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = specialToken(str)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = specialToken(obj.Content)
	return nil
}

type tokenizerConfig struct {
	ChatTemplate json.RawMessage `json:"chat_template"`
	BOSToken     specialToken    `json:"bos_token"`
	EOSToken     specialToken    `json:"eos_token"`
}

// chatTemplate picks the template source: a plain string, or the entry named
// "default" of the list form.
func (c tokenizerConfig) chatTemplate() (string, error) {
	if len(c.ChatTemplate) == 0 || string(c.ChatTemplate) == "null" {
		return "", ErrNoChatTemplate
	}
	var src string
	if err := json.Unmarshal(c.ChatTemplate, &src); err == nil {
		return src, nil
	}
	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(c.ChatTemplate, &named); err != nil {
		return "", fmt.Errorf("chat: unexpected chat_template: %w", err)
	}
	for _, n := range named {
		if n.Name == "default" {
			return n.Template, nil
		}
	}
	return "", ErrNoChatTemplate
}

// LoadTokenizerConfig reads dir/tokenizer_config.json and compiles its chat
// template.
func LoadTokenizerConfig(dir string) (*Jinja, error) {
	path := filepath.Join(dir, "tokenizer_config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg tokenizerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("chat: failed to parse %s: %w", path, err)
	}
	src, err := cfg.chatTemplate()
	if err != nil {
		return nil, err
	}
	return NewJinja(src, string(cfg.BOSToken), string(cfg.EOSToken))
}
