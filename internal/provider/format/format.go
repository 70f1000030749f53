// Package format flattens a conversation into the single prompt string that web chat
// UIs accept.
package format

import (
	"regexp"
	"strings"

	"github.com/traylinx/webrelay/internal/engine"
)

// Injection positions.
const (
	InjectBefore = "before"
	InjectAfter  = "after"
)

var (
	ir2Names     = regexp.MustCompile(`\[\[IR2u\]\](.*?)\[\[/IR2u\]\]-\[\[IR2a\]\](.*?)\[\[/IR2a\]\]`)
	classicNames = regexp.MustCompile(`DATA1: "(.*?)"\s*DATA2: "(.*?)"`)
)

// Config controls prompt formatting.
type Config struct {
	// Enabled applies Template and the injection; otherwise turns are joined as
	// "role: content" lines.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Template renders one turn. It may use {{name}}, {{role}} and {{content}}.
	Template string `yaml:"template" json:"template"`

	// Divider separates rendered turns. A literal `\n` is read as a newline.
	Divider string `yaml:"divider" json:"divider"`

	// MessageNames takes speaker names from the name field of message objects.
	MessageNames bool `yaml:"message-names" json:"message-names"`

	// IR2Names reads [[IR2u]]user[[/IR2u]]-[[IR2a]]char[[/IR2a]] markers from system turns.
	IR2Names bool `yaml:"ir2-names" json:"ir2-names"`

	// ClassicNames reads DATA1: "char" DATA2: "user" markers from system turns.
	ClassicNames bool `yaml:"classic-names" json:"classic-names"`

	// InjectionPosition is "before" or "after".
	InjectionPosition string `yaml:"injection-position" json:"injection-position"`
	InjectionContent  string `yaml:"injection-content" json:"injection-content"`
}

// DefaultConfig returns the built-in formatting settings.
func DefaultConfig() Config {
	return Config{
		Template:          "{{name}}: {{content}}",
		Divider:           `\n\n`,
		InjectionPosition: InjectAfter,
	}
}

// Messages renders msgs into one prompt.
func (c Config) Messages(msgs []engine.Message) string {
	if !c.Enabled {
		parts := make([]string, len(msgs))
		for i, m := range msgs {
			parts[i] = string(m.Role) + ": " + m.Content
		}
		return strings.Join(parts, "\n")
	}

	userName, charName := c.names(msgs)
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		role, name := "System", "System"
		switch m.Role {
		case engine.RoleUser:
			role, name = "User", userName
		case engine.RoleAssistant:
			role, name = "Character", charName
		}
		if c.MessageNames && m.Name != "" && m.Role != engine.RoleSystem {
			name = m.Name
		}
		parts = append(parts, c.render(name, role, m.Content))
	}
	divider := strings.ReplaceAll(c.Divider, `\n`, "\n")
	return c.inject(strings.Join(parts, divider))
}

// Text renders a bare prompt as a single user turn.
func (c Config) Text(text string) string {
	if !c.Enabled {
		return text
	}
	return c.inject(c.render("User", "User", text))
}

func (c Config) render(name, role, content string) string {
	r := strings.NewReplacer("{{name}}", name, "{{role}}", role, "{{content}}", content)
	return r.Replace(c.Template)
}

// names resolves the user and character display names. Later sources win.
func (c Config) names(msgs []engine.Message) (user, char string) {
	user, char = "User", "Character"
	if c.MessageNames {
		for _, m := range msgs {
			if m.Name == "" {
				continue
			}
			switch m.Role {
			case engine.RoleUser:
				user = m.Name
			case engine.RoleAssistant:
				char = m.Name
			}
		}
	}
	if !c.IR2Names && !c.ClassicNames {
		return user, char
	}
	for _, m := range msgs {
		if m.Role != engine.RoleSystem {
			continue
		}
		if c.IR2Names {
			if g := ir2Names.FindStringSubmatch(m.Content); g != nil {
				user, char = g[1], g[2]
			}
		}
		if c.ClassicNames {
			if g := classicNames.FindStringSubmatch(m.Content); g != nil {
				char, user = g[1], g[2]
			}
		}
	}
	return user, char
}

func (c Config) inject(prompt string) string {
	if c.InjectionContent == "" {
		return prompt
	}
	if strings.EqualFold(c.InjectionPosition, InjectBefore) {
		return c.InjectionContent + "\n" + prompt
	}
	return prompt + "\n" + c.InjectionContent
}
