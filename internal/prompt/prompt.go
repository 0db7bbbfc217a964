// Package prompt loads the biographer's prompt templates and generation
// parameters from a YAML manifest.
package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name inside a prompt directory.
const ManifestFile = "manifest.yaml"

// Prompt names used by the biographer.
const (
	Persona   = "persona"
	Welcome   = "welcome"
	Continue  = "continue"
	Turn      = "turn"
	Summarize = "summarize"
	WriteBio  = "write_bio"
	Verify    = "verify"
)

// Required lists the prompts every deployment must provide.
var Required = []string{Persona, Welcome, Continue, Turn, Summarize, WriteBio}

const (
	defaultMaxTokens   = 256
	defaultTemperature = 0.7
)

// ErrMissingPrompt is returned when a prompt or its text file is absent.
var ErrMissingPrompt = errors.New("prompt not available")

//go:embed defaults
var embedded embed.FS

// Defaults returns the built-in prompt directory.
func Defaults() fs.FS {
	sub, err := fs.Sub(embedded, "defaults")
	if err != nil {
		panic(err)
	}
	return sub
}

// Prompt is one resolved manifest entry.
type Prompt struct {
	Name        string
	System      string
	Text        string
	MaxTokens   int
	Temperature float64
}

type manifest struct {
	Prompts map[string]entry `yaml:"prompts"`
}

type entry struct {
	File        string   `yaml:"file,omitempty"`
	System      string   `yaml:"system,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// Library is an immutable set of prompts.
type Library struct {
	prompts map[string]Prompt
	missing map[string]error
}

// Load reads the manifest and every referenced file from fsys. A missing
// text file does not fail the load; Get reports it for that prompt only.
func Load(fsys fs.FS) (*Library, error) {
	raw, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}

	var m manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}

	lib := &Library{
		prompts: make(map[string]Prompt, len(m.Prompts)),
		missing: make(map[string]error),
	}
	for name, e := range m.Prompts {
		if e.MaxTokens < 0 {
			return nil, fmt.Errorf("prompt %q: max_tokens must be >= 0", name)
		}
		p := Prompt{
			Name:        name,
			System:      strings.TrimSpace(e.System),
			MaxTokens:   e.MaxTokens,
			Temperature: defaultTemperature,
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = defaultMaxTokens
		}
		if e.Temperature != nil {
			p.Temperature = *e.Temperature
		}
		if e.File != "" {
			text, err := fs.ReadFile(fsys, e.File)
			if err != nil {
				lib.missing[name] = fmt.Errorf("%w: %s: read %s: %v", ErrMissingPrompt, name, e.File, err)
				continue
			}
			p.Text = strings.TrimSpace(string(text))
		}
		lib.prompts[name] = p
	}
	return lib, nil
}

// Get returns the named prompt or an error wrapping ErrMissingPrompt.
func (l *Library) Get(name string) (Prompt, error) {
	if l == nil {
		return Prompt{}, fmt.Errorf("%w: %s: no prompt library loaded", ErrMissingPrompt, name)
	}
	if err, ok := l.missing[name]; ok {
		return Prompt{}, err
	}
	p, ok := l.prompts[name]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrMissingPrompt, name)
	}
	return p, nil
}

// Names returns the loadable prompt names in sorted order.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.prompts))
	for name := range l.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check reports every required prompt that cannot be served, plus any
// optional prompt whose file failed to load.
func (l *Library) Check() []error {
	var errs []error
	seen := make(map[string]bool)
	for _, name := range Required {
		seen[name] = true
		if _, err := l.Get(name); err != nil {
			errs = append(errs, err)
		}
	}
	names := make([]string, 0, len(l.missing))
	for name := range l.missing {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, l.missing[name])
	}
	return errs
}
