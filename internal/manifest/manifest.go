// Package manifest reads and produces package.json documents.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const FileName = "package.json"

type Manifest struct {
	Name            string            `json:"name,omitempty"`
	Version         string            `json:"version,omitempty"`
	Description     string            `json:"description,omitempty"`
	Main            string            `json:"main,omitempty"`
	Scripts         map[string]string `json:"scripts,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"devDependencies,omitempty"`
	Engines         map[string]string `json:"engines,omitempty"`

	// raw keeps the document as supplied so fields this type does not model
	// survive Encode.
	raw json.RawMessage
}

func Parse(raw []byte) (Manifest, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Manifest{}, errors.New("parse manifest: empty document")
	}
	if trimmed[0] != '{' {
		return Manifest{}, errors.New("parse manifest: expected a JSON object")
	}
	var m Manifest
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.raw = append(json.RawMessage(nil), trimmed...)
	return m, nil
}

// Default is written into workspaces whose repository context carries no
// manifest. It matches the generated index.js stub.
func Default() Manifest {
	return Manifest{
		Name:        "dockgen-app",
		Version:     "1.0.0",
		Description: "Generated by dockgen",
		Main:        "index.js",
		Scripts: map[string]string{
			"start": "node index.js",
			"dev":   "node index.js",
			"build": `echo "Build completed"`,
		},
		Dependencies: map[string]string{"express": "^4.18.2"},
		Engines:      map[string]string{"node": ">=18.0.0"},
	}
}

// Encode returns the document as supplied when it came from Parse, and an
// indented rendering otherwise.
func (m Manifest) Encode() ([]byte, error) {
	if len(m.raw) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, m.raw, "", "  "); err != nil {
			return nil, fmt.Errorf("encode manifest: %w", err)
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(b, '\n'), nil
}

func (m Manifest) script(name string) string {
	return strings.TrimSpace(m.Scripts[name])
}

func (m Manifest) StartScript() string { return m.script("start") }
func (m Manifest) BuildScript() string { return m.script("build") }

func (m Manifest) HasDependency(name string) bool {
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

var stackMarkers = []struct {
	dependency string
	stack      string
}{
	{"next", "Next.js"},
	{"react", "React"},
	{"vue", "Vue"},
	{"@angular/core", "Angular"},
	{"express", "Express"},
	{"fastify", "Fastify"},
	{"koa", "Koa"},
	{"@nestjs/core", "NestJS"},
	{"typescript", "TypeScript"},
}

// DetectTechStack names the frameworks found in dependencies and
// devDependencies. The list always starts with JavaScript.
func (m Manifest) DetectTechStack() []string {
	stack := []string{"JavaScript"}
	for _, marker := range stackMarkers {
		if m.HasDependency(marker.dependency) {
			stack = append(stack, marker.stack)
		}
	}
	return stack
}
