// Package repoctx resolves the optional repository context that accompanies a
// build request into a fully defaulted Context.
package repoctx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/dockgen/dockgen/internal/manifest"
	"github.com/dockgen/dockgen/internal/template"
)

// Raw is the repository context as callers send it. Every field is optional.
type Raw struct {
	TechStack       []string          `json:"techStack,omitempty"`
	LockfileKind    string            `json:"lockfileKind,omitempty"`
	StartCommand    string            `json:"startCommand,omitempty"`
	BuildCommand    string            `json:"buildCommand,omitempty"`
	MainFile        string            `json:"mainFile,omitempty"`
	PackageManifest json.RawMessage   `json:"packageManifest,omitempty"`
	Files           map[string]string `json:"files,omitempty"`
}

type Context struct {
	TechStack      []string
	Lockfile       string
	PackageManager template.PackageManager
	StartCommand   string
	BuildCommand   string
	MainFile       string

	Manifest manifest.Manifest
	// ManifestSupplied is false when Manifest is manifest.Default().
	ManifestSupplied bool
	Files            map[string]string

	// Notes records inputs that were ignored while resolving.
	Notes []string
}

// TemplateParams is the slice of the context the template selector reads.
func (c Context) TemplateParams() template.Params {
	return template.Params{
		TechStack:    c.TechStack,
		Lockfile:     c.Lockfile,
		StartCommand: c.StartCommand,
		BuildCommand: c.BuildCommand,
		MainFile:     c.MainFile,
	}
}

// FileNames returns the supplied file names in sorted order.
func (c Context) FileNames() []string {
	names := make([]string, 0, len(c.Files))
	for name := range c.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve accepts nil.
func Resolve(raw *Raw) Context {
	if raw == nil {
		raw = &Raw{}
	}
	c := Context{Files: map[string]string{}}
	for name, content := range raw.Files {
		c.Files[name] = content
	}

	c.resolveManifest(raw)

	c.Lockfile = strings.TrimSpace(raw.LockfileKind)
	if strings.EqualFold(c.Lockfile, "none") {
		c.Lockfile = ""
	}
	if c.Lockfile != "" {
		if _, ok := template.ParsePackageManager(c.Lockfile); !ok {
			c.note("unknown lockfile kind %q ignored", c.Lockfile)
			c.Lockfile = ""
		}
	}
	if c.Lockfile == "" {
		c.Lockfile = template.DetectLockfile(c.FileNames())
	}
	c.PackageManager, _ = template.ParsePackageManager(c.Lockfile)

	c.TechStack = cleanList(raw.TechStack)
	if len(c.TechStack) == 0 && c.ManifestSupplied {
		c.TechStack = c.Manifest.DetectTechStack()
	}

	c.MainFile = c.resolveMainFile(raw.MainFile)

	c.StartCommand = strings.TrimSpace(raw.StartCommand)
	if c.StartCommand == "" && c.ManifestSupplied {
		c.StartCommand = c.Manifest.StartScript()
	}
	if c.StartCommand == "" {
		c.StartCommand = "node " + c.MainFile
	}

	c.BuildCommand = strings.TrimSpace(raw.BuildCommand)
	if c.BuildCommand == "" && c.ManifestSupplied {
		c.BuildCommand = c.Manifest.BuildScript()
	}
	return c
}

func (c *Context) resolveManifest(raw *Raw) {
	doc := bytes.TrimSpace(raw.PackageManifest)
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		if content, ok := c.Files[manifest.FileName]; ok {
			doc = []byte(content)
		}
	}
	if len(doc) > 0 {
		m, err := manifest.Parse(doc)
		if err == nil {
			c.Manifest = m
			c.ManifestSupplied = true
			return
		}
		c.note("package manifest ignored: %v", err)
	}
	c.Manifest = manifest.Default()
}

func (c *Context) resolveMainFile(declared string) string {
	for _, candidate := range []string{declared, c.manifestMain()} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		cleaned, err := CleanRelativePath(candidate)
		if err != nil {
			c.note("main file %q ignored: %v", candidate, err)
			continue
		}
		return cleaned
	}
	return template.DefaultMainFile
}

func (c *Context) manifestMain() string {
	if !c.ManifestSupplied {
		return ""
	}
	return c.Manifest.Main
}

func (c *Context) note(format string, args ...any) {
	c.Notes = append(c.Notes, fmt.Sprintf(format, args...))
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// CleanRelativePath normalizes a slash-separated path that must stay inside
// the directory it is joined to.
func CleanRelativePath(p string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if raw == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.HasPrefix(raw, "/") || (len(raw) >= 2 && raw[1] == ':') {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", fmt.Errorf("path cannot be current directory")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal %q not allowed", p)
	}
	return cleaned, nil
}
