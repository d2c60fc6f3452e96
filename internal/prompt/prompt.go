// Package prompt resolves the PII-extraction prompt template.
//
// A built-in template is embedded in the binary. Named overrides are
// loaded as <name>.md from a prompts directory; unknown names warn and
// fall back to the built-in. On construction the directory is created and
// seeded with default.md so users have a starting point to edit.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mcp-conceal/internal/logger"
)

//go:embed builtin_prompt.md
var builtinPrompt string

// Builtin returns the embedded default template.
func Builtin() string {
	return builtinPrompt
}

// Loader resolves named prompt templates from a directory.
type Loader struct {
	dir string
	log *logger.Logger
}

// NewLoader creates the prompts directory and seeds default.md with the
// built-in template if it does not exist yet.
func NewLoader(dir string, log *logger.Logger) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating prompts dir %s: %w", dir, err)
	}
	seed := filepath.Join(dir, "default.md")
	if _, err := os.Stat(seed); os.IsNotExist(err) {
		if err := os.WriteFile(seed, []byte(builtinPrompt), 0o644); err != nil {
			return nil, fmt.Errorf("seeding default prompt: %w", err)
		}
	}
	return &Loader{dir: dir, log: log}, nil
}

// Load returns the template for name, or the built-in when name is empty
// or the file is unreadable.
func (l *Loader) Load(name string) string {
	if name == "" {
		return builtinPrompt
	}
	path := filepath.Join(l.dir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if l.log != nil {
			l.log.Warnf("prompt_load", "template %q not found, using built-in", name)
		}
		return builtinPrompt
	}
	return string(data)
}

// Format substitutes text into the template's {text} token. Double quotes
// in the text are escaped so the substitution stays inside the template's
// quoted region.
func Format(template, text string) string {
	escaped := strings.ReplaceAll(text, `"`, `\"`)
	return strings.ReplaceAll(template, "{text}", escaped)
}
