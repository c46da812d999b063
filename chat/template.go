// Package chat formats role-tagged conversations into the flat prompt text a
// model was trained on.
package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Roles accepted in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyMessages   = errors.New("chat: no messages")
	ErrUnknownRole     = errors.New("chat: unknown role")
	ErrUnknownTemplate = errors.New("chat: unknown template")
)

// Message is one conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// User is shorthand for a single user turn.
func User(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

// Template renders a conversation. With addGenerationPrompt the output ends
// with the marker that opens the assistant's turn.
type Template interface {
	Apply(msgs []Message, addGenerationPrompt bool) (string, error)
}

func validate(msgs []Message) error {
	if len(msgs) == 0 {
		return ErrEmptyMessages
	}
	for i, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d: %w %q", i, ErrUnknownRole, m.Role)
		}
	}
	return nil
}

// turnTemplate covers the common "header, content, footer" layouts.
type turnTemplate struct {
	prefix    string
	turn      string // fmt verbs: role, content
	genPrompt string
}

func (t turnTemplate) Apply(msgs []Message, addGenerationPrompt bool) (string, error) {
	if err := validate(msgs); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(t.prefix)
	for _, m := range msgs {
		fmt.Fprintf(&sb, t.turn, m.Role, m.Content)
	}
	if addGenerationPrompt {
		sb.WriteString(t.genPrompt)
	}
	return sb.String(), nil
}

// gemmaTemplate has no system role: the system text is folded into the
// first user turn, and the assistant is called "model".
type gemmaTemplate struct{}

func (gemmaTemplate) Apply(msgs []Message, addGenerationPrompt bool) (string, error) {
	if err := validate(msgs); err != nil {
		return "", err
	}
	var system string
	if msgs[0].Role == RoleSystem {
		system = msgs[0].Content
		msgs = msgs[1:]
	}
	var sb strings.Builder
	for i, m := range msgs {
		role, content := m.Role, m.Content
		if role == RoleAssistant {
			role = "model"
		}
		if i == 0 && system != "" {
			content = system + "\n\n" + content
		}
		fmt.Fprintf(&sb, "<start_of_turn>%s\n%s<end_of_turn>\n", role, content)
	}
	if addGenerationPrompt {
		sb.WriteString("<start_of_turn>model\n")
	}
	return sb.String(), nil
}

// rawTemplate joins message contents without markup.
type rawTemplate struct{}

func (rawTemplate) Apply(msgs []Message, _ bool) (string, error) {
	if err := validate(msgs); err != nil {
		return "", err
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n"), nil
}

var builtins = map[string]Template{
	"chatml": turnTemplate{
		turn:      "<|im_start|>%s\n%s<|im_end|>\n",
		genPrompt: "<|im_start|>assistant\n",
	},
	"phi-4": turnTemplate{
		turn:      "<|im_start|>%s<|im_sep|>%s<|im_end|>",
		genPrompt: "<|im_start|>assistant<|im_sep|>",
	},
	"llama-3": turnTemplate{
		prefix:    "<|begin_of_text|>",
		turn:      "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>",
		genPrompt: "<|start_header_id|>assistant<|end_header_id|>\n\n",
	},
	"gemma": gemmaTemplate{},
	"raw":   rawTemplate{},
}

// Builtin returns a built-in template by name: chatml, phi-4, llama-3,
// gemma or raw.
func Builtin(name string) (Template, error) {
	t, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTemplate, name)
	}
	return t, nil
}

// ForModel guesses the built-in template from a model or tokenizer
// identifier, falling back to chatml.
func ForModel(id string) Template {
	id = strings.ToLower(id)
	switch {
	case strings.Contains(id, "phi-4"):
		return builtins["phi-4"]
	case strings.Contains(id, "llama-3"), strings.Contains(id, "llama3"):
		return builtins["llama-3"]
	case strings.Contains(id, "gemma"):
		return builtins["gemma"]
	}
	return builtins["chatml"]
}
