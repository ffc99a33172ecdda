package prompts

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona describes who the assistant is. The system prompt comes from
// the body of a persona file; everything else is optional YAML
// frontmatter:
//
//	---
//	name: Blender AI assistant
//	purpose: help you with all aspects of 3D modeling in Blender
//	role_statement: You are a Blender AI assistant with memory capabilities.
//	important_phrases: [blender ai assistant, what are you, your purpose]
//	topic_keyword: blender
//	---
//	You are an AI assistant built into Blender...
type Persona struct {
	// Name is how the assistant refers to itself ("Blender AI assistant").
	Name string `yaml:"name"`

	// Purpose completes the sentence "I'm here to ...".
	Purpose string `yaml:"purpose"`

	// RoleStatement is the one-line identity used by the minimal
	// fallback request.
	RoleStatement string `yaml:"role_statement"`

	// ImportantPhrases mark identity exchanges that trimming should
	// favor. Matching is case-insensitive.
	ImportantPhrases []string `yaml:"important_phrases"`

	// TopicKeyword enables the topic reminder when non-empty: replies
	// that never mention it trigger a reminder exchange.
	TopicKeyword string `yaml:"topic_keyword"`

	// SystemPrompt is the persona file body.
	SystemPrompt string `yaml:"-"`
}

// DefaultPersona returns the built-in Blender assistant.
func DefaultPersona() Persona {
	return Persona{
		Name:          "Blender AI assistant",
		Purpose:       "help you with all aspects of 3D modeling in Blender, from basic operations to advanced workflows",
		RoleStatement: "You are a Blender AI assistant with memory capabilities.",
		ImportantPhrases: []string{
			"blender ai assistant",
			"what are you",
			"your purpose",
		},
		SystemPrompt: BaseSystemPrompt(),
	}
}

// LoadPersona reads a persona file. Fields missing from the frontmatter
// fall back to [DefaultPersona]; an empty body keeps the default system
// prompt.
func LoadPersona(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona: %w", err)
	}
	p, err := ParsePersona(data)
	if err != nil {
		return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}
	return p, nil
}

// ParsePersona parses persona file content. See [Persona] for the format.
func ParsePersona(data []byte) (Persona, error) {
	p := DefaultPersona()

	body := data
	if front, rest, ok := splitFrontmatter(data); ok {
		var fm Persona
		if err := yaml.Unmarshal(front, &fm); err != nil {
			return Persona{}, fmt.Errorf("frontmatter: %w", err)
		}
		if fm.Name != "" {
			p.Name = fm.Name
		}
		if fm.Purpose != "" {
			p.Purpose = fm.Purpose
		}
		if fm.RoleStatement != "" {
			p.RoleStatement = fm.RoleStatement
		}
		if len(fm.ImportantPhrases) > 0 {
			p.ImportantPhrases = fm.ImportantPhrases
		}
		p.TopicKeyword = fm.TopicKeyword
		body = rest
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		p.SystemPrompt = text
	}
	return p, nil
}

// splitFrontmatter separates a leading "---" delimited YAML block from
// the rest of the document.
func splitFrontmatter(data []byte) (front, rest []byte, ok bool) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return nil, data, false
	}
	after := data[len("---\n"):]
	end := bytes.Index(after, []byte("\n---"))
	if end < 0 {
		return nil, data, false
	}
	front = after[:end]
	rest = after[end+len("\n---"):]
	rest = bytes.TrimPrefix(rest, []byte("\n"))
	return front, rest, true
}

// SeedExchange is written to a brand-new memory file so identity context
// exists from the very first turn.
func (p Persona) SeedExchange() (user, assistant string) {
	return "What are you and what is your purpose?",
		fmt.Sprintf("%s\n\nI am your dedicated %s with full memory capabilities. I'm here to %s. I remember our entire conversation history, so feel free to reference previous topics or build upon earlier discussions.",
			p.SystemPrompt, p.Name, p.Purpose)
}

// ReinforcementExchange is appended periodically to keep an identity
// exchange inside the recency window.
func (p Persona) ReinforcementExchange() (user, assistant string) {
	return "What are you and what is your purpose? Please confirm your role and capabilities.",
		fmt.Sprintf("I am your dedicated %s with full memory capabilities. I can remember our entire conversation history and refer back to previous topics, questions, and discussions. My purpose is to %s, while maintaining context across our entire conversation. I have excellent memory and confidently reference past exchanges when relevant.",
			p.Name, p.Purpose)
}

// ManualReinforcementExchange is appended when the user explicitly asks
// to reinforce the assistant's role.
func (p Persona) ManualReinforcementExchange() (user, assistant string) {
	return "Just to remind you, what are you and what is your purpose?",
		fmt.Sprintf("%s\n\nI am your dedicated %s with full memory capabilities. I remember our entire conversation and I'm here specifically to %s.",
			p.SystemPrompt, p.Name, p.Purpose)
}

// TopicReminderExchange nudges the assistant back to its topic after an
// off-topic reply. Only meaningful when TopicKeyword is set.
func (p Persona) TopicReminderExchange() (user, assistant string) {
	return fmt.Sprintf("Remember, I need help with %s specifically.", p.TopicKeyword),
		fmt.Sprintf("Absolutely! I am your %s. My focus is to %s, while maintaining context from our conversation history.",
			p.Name, p.Purpose)
}
