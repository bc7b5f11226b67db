// Package template produces known-good Dockerfile recipes for JavaScript
// projects. Selection is deterministic and every rendered recipe passes the
// linter without errors.
package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	texttemplate "text/template"
	"unicode"

	"github.com/google/shlex"
)

//go:embed templates/*.Dockerfile.tmpl
var templateFS embed.FS

var templates = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/*.Dockerfile.tmpl"))

type Kind string

const (
	KindNext    Kind = "next"
	KindReact   Kind = "react"
	KindVue     Kind = "vue"
	KindAngular Kind = "angular"
	KindExpress Kind = "express"
	KindFastify Kind = "fastify"
	KindKoa     Kind = "koa"
	KindNestJS  Kind = "nestjs"
	KindDefault Kind = "default"
)

// selectionOrder is walked top to bottom; the first kind named by the tech
// stack wins.
var selectionOrder = []Kind{
	KindNext,
	KindReact, KindVue, KindAngular,
	KindExpress, KindFastify, KindKoa, KindNestJS,
}

// Kinds lists every template the selector can produce.
func Kinds() []Kind {
	return append(append([]Kind(nil), selectionOrder...), KindDefault)
}

func (k Kind) file() string {
	switch k {
	case KindNext:
		return "next.Dockerfile.tmpl"
	case KindReact, KindVue, KindAngular:
		return "spa.Dockerfile.tmpl"
	default:
		return "server.Dockerfile.tmpl"
	}
}

func (k Kind) port() int {
	switch k {
	case KindReact, KindVue, KindAngular:
		return 8080
	default:
		return 3000
	}
}

func (k Kind) assetsDir() string {
	if k == KindReact {
		return "build"
	}
	return "dist"
}

const DefaultMainFile = "index.js"

type Params struct {
	TechStack []string
	// Lockfile is a package manager name or lockfile name. Empty means no
	// lockfile was found.
	Lockfile     string
	StartCommand string
	BuildCommand string
	MainFile     string
}

// Choice is the outcome of selection before rendering.
type Choice struct {
	Kind    Kind
	Manager PackageManager
	// Locked reports whether Params.Lockfile named a known manager.
	Locked bool
}

func normalizeTech(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, ".js")
	name = strings.TrimSuffix(name, "js")
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, name)
}

func Choose(p Params) Choice {
	named := map[string]struct{}{}
	for _, tech := range p.TechStack {
		named[normalizeTech(tech)] = struct{}{}
	}
	kind := KindDefault
	for _, k := range selectionOrder {
		if _, ok := named[normalizeTech(string(k))]; ok {
			kind = k
			break
		}
	}
	manager, locked := ParsePackageManager(p.Lockfile)
	return Choice{Kind: kind, Manager: manager, Locked: locked}
}

// Select never fails and never returns an empty recipe.
func Select(p Params) string {
	out, err := Render(Choose(p), p)
	if err != nil {
		panic(err)
	}
	return out
}

type renderData struct {
	Kind         Kind
	Manager      PackageManager
	Setup        string
	InstallProd  string
	InstallAll   string
	Build        string
	CacheClean   string
	BuildCommand string
	AssetsDir    string
	Port         int
	Cmd          string
}

func Render(c Choice, p Params) (string, error) {
	cmds := c.Manager.commands(c.Locked)
	data := renderData{
		Kind:         c.Kind,
		Manager:      c.Manager,
		Setup:        cmds.setup,
		InstallProd:  cmds.installProd,
		InstallAll:   cmds.installAll,
		Build:        cmds.build,
		CacheClean:   cmds.cacheClean,
		BuildCommand: strings.TrimRight(singleLine(p.BuildCommand), `\ `),
		AssetsDir:    c.Kind.assetsDir(),
		Port:         c.Kind.port(),
		Cmd:          ExecForm(p.StartCommand, p.MainFile),
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, c.Kind.file(), data); err != nil {
		return "", fmt.Errorf("render %s template: %w", c.Kind, err)
	}
	return buf.String(), nil
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ExecForm renders a start command as a JSON-array CMD argument. Commands
// using shell operators run through sh -c. An empty command starts the main
// file with node.
func ExecForm(start, mainFile string) string {
	start = singleLine(start)
	if start == "" {
		if mainFile = strings.TrimSpace(mainFile); mainFile == "" {
			mainFile = DefaultMainFile
		}
		start = "node " + path.Clean(mainFile)
	}
	var args []string
	if strings.ContainsAny(start, "|&;<>$`") {
		args = []string{"sh", "-c", start}
	} else if tokens, err := shlex.Split(start); err == nil && len(tokens) > 0 {
		args = tokens
	} else {
		args = []string{"sh", "-c", start}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return `["node", "` + DefaultMainFile + `"]`
	}
	return strings.ReplaceAll(strings.TrimSpace(buf.String()), `","`, `", "`)
}
