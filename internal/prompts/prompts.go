// Package prompts holds the embedded prompt templates used for SQL
// generation, correction and analysis, and fills their placeholders.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml templates/*.tmpl
var embeddedFS embed.FS

const (
	Direct           = "direct"
	DivideAndConquer = "divide_and_conquer"
	QueryPlan        = "query_plan"
	Correction       = "correction"
	Analysis         = "analysis"
)

// Placeholder names. Templates reference them as {NAME}.
const (
	Schema        = "SCHEMA"
	Question      = "QUESTION"
	Documentation = "DOCUMENTATION"
	ProjectID     = "PROJECT_ID"
	MaxNumRows    = "MAX_NUM_ROWS"
	SQLDialect    = "SQL_DIALECT"
	SQLQuery      = "SQL_QUERY"
	SchemaInsert  = "SCHEMA_INSERT"
	Errors        = "ERRORS"
	Data          = "DATA"
)

var ErrUnknownTemplate = errors.New("unknown prompt template")

type manifest struct {
	Templates []manifestEntry `yaml:"templates"`
}

type manifestEntry struct {
	Name         string   `yaml:"name"`
	File         string   `yaml:"file"`
	Placeholders []string `yaml:"placeholders"`
}

type template struct {
	text         string
	placeholders []string
}

// Library is an immutable set of parsed templates, safe for concurrent use.
type Library struct {
	templates map[string]template
}

// Load parses the embedded manifest and templates.
func Load() (*Library, error) {
	return load(embeddedFS)
}

func load(fsys fs.FS) (*Library, error) {
	raw, err := fs.ReadFile(fsys, "manifest.yaml")
	if err != nil {
		return nil, fmt.Errorf("read prompt manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse prompt manifest: %w", err)
	}

	lib := &Library{templates: make(map[string]template, len(m.Templates))}
	for _, entry := range m.Templates {
		body, err := fs.ReadFile(fsys, "templates/"+entry.File)
		if err != nil {
			return nil, fmt.Errorf("read prompt template %q: %w", entry.Name, err)
		}
		text := string(body)
		for _, name := range entry.Placeholders {
			if !strings.Contains(text, token(name)) {
				return nil, fmt.Errorf("prompt template %q does not use placeholder %s", entry.Name, token(name))
			}
		}
		lib.templates[entry.Name] = template{text: text, placeholders: entry.Placeholders}
	}
	return lib, nil
}

// Names lists the available templates in sorted order.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes values into the named template. Every declared
// placeholder must have a value and no undeclared value may be passed.
// Substitution is plain text replacement in a single pass, so values are
// never re-expanded.
func (l *Library) Render(name string, values map[string]string) (string, error) {
	tmpl, ok := l.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	declared := make(map[string]struct{}, len(tmpl.placeholders))
	pairs := make([]string, 0, 2*len(tmpl.placeholders))
	for _, placeholder := range tmpl.placeholders {
		declared[placeholder] = struct{}{}
		value, ok := values[placeholder]
		if !ok {
			return "", fmt.Errorf("prompt %q: missing value for %s", name, token(placeholder))
		}
		pairs = append(pairs, token(placeholder), value)
	}
	for key := range values {
		if _, ok := declared[key]; !ok {
			return "", fmt.Errorf("prompt %q: unexpected value for %s", name, token(key))
		}
	}
	return strings.NewReplacer(pairs...).Replace(tmpl.text), nil
}

func token(name string) string {
	return "{" + name + "}"
}

// LoadDocumentation concatenates the .md and .txt files directly under dir
// in lexical order, each preceded by its file name. An empty dir yields an
// empty string.
func LoadDocumentation(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read documentation dir: %w", err)
	}
	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".md", ".txt":
		default:
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return "", fmt.Errorf("read documentation file %s: %w", entry.Name(), err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", entry.Name(), strings.TrimSpace(string(body)))
	}
	return b.String(), nil
}
