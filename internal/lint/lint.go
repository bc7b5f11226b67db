// Package lint implements static analysis of Dockerfile recipes.
//
// Every check lives in a table keyed by opcode. A Pass groups such a table
// with whole-recipe checks that run after the scan. Passes never look at each
// other's findings, and each call to Validate builds fresh scan state, so an
// Engine is safe for concurrent use.
package lint

import (
	"fmt"

	"github.com/dockgen/dockgen/internal/recipe"
)

type Severity string

const (
	SeverityError      Severity = "error"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

type Finding struct {
	Severity Severity `json:"severity"`
	Line     int      `json:"line,omitempty"`
	Pass     string   `json:"pass"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("Line %d: %s", f.Line, f.Message)
	}
	return f.Message
}

// Result is the verdict of one validation call.
type Result struct {
	Valid       bool      `json:"isValid"`
	Errors      []string  `json:"errors"`
	Warnings    []string  `json:"warnings"`
	Suggestions []string  `json:"suggestions"`
	Findings    []Finding `json:"findings"`
}

// CheckFunc inspects one instruction and reports through the scan.
type CheckFunc func(s *Scan, ins recipe.Instruction)

// FinalFunc runs once after every instruction has been visited.
type FinalFunc func(s *Scan)

type Check struct {
	Rule string
	Fn   CheckFunc
}

type FinalCheck struct {
	Rule string
	Fn   FinalFunc
}

type Pass struct {
	Name string
	// Any runs for every instruction regardless of opcode.
	Any     []Check
	Opcodes map[string][]Check
	Final   []FinalCheck
}

// Scan is the per-call state one pass sees while walking the instructions.
type Scan struct {
	pass string
	rule string

	seen     map[string]int
	stages   map[string]struct{}
	marks    map[string]bool
	findings []Finding
}

func newScan(pass string) *Scan {
	return &Scan{
		pass:   pass,
		seen:   map[string]int{},
		stages: map[string]struct{}{},
		marks:  map[string]bool{},
	}
}

// Seen returns how many instructions with opcode were visited before the
// current one. In final checks it is the total count.
func (s *Scan) Seen(opcode string) int {
	return s.seen[opcode]
}

// IsStage reports whether name is a stage alias declared earlier.
func (s *Scan) IsStage(name string) bool {
	_, ok := s.stages[lower(name)]
	return ok
}

func (s *Scan) Mark(flag string)        { s.marks[flag] = true }
func (s *Scan) Marked(flag string) bool { return s.marks[flag] }

func (s *Scan) Error(line int, format string, args ...any) {
	s.report(SeverityError, line, format, args...)
}

func (s *Scan) Warn(line int, format string, args ...any) {
	s.report(SeverityWarning, line, format, args...)
}

func (s *Scan) Suggest(line int, format string, args ...any) {
	s.report(SeveritySuggestion, line, format, args...)
}

func (s *Scan) report(sev Severity, line int, format string, args ...any) {
	s.findings = append(s.findings, Finding{
		Severity: sev,
		Line:     line,
		Pass:     s.pass,
		Rule:     s.rule,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (p Pass) run(instructions []recipe.Instruction) []Finding {
	s := newScan(p.Name)
	for _, ins := range instructions {
		for _, c := range p.Any {
			s.rule = c.Rule
			c.Fn(s, ins)
		}
		for _, c := range p.Opcodes[ins.Opcode] {
			s.rule = c.Rule
			c.Fn(s, ins)
		}
		s.seen[ins.Opcode]++
		if ins.Opcode == "FROM" {
			if _, alias := fromImage(ins.Args); alias != "" {
				s.stages[lower(alias)] = struct{}{}
			}
		}
	}
	for _, c := range p.Final {
		s.rule = c.Rule
		c.Fn(s)
	}
	return s.findings
}

type Engine struct {
	passes []Pass
}

// NewEngine builds an engine from passes that run in the given order.
func NewEngine(passes ...Pass) *Engine {
	return &Engine{passes: passes}
}

// Default returns the engine with the syntax, security, best-practice and
// performance passes.
func Default() *Engine {
	return defaultEngine
}

var defaultEngine = NewEngine(SyntaxPass(), SecurityPass(), BestPracticesPass(), PerformancePass())

// Validate is a pure function of instructions.
func (e *Engine) Validate(instructions []recipe.Instruction) Result {
	res := Result{
		Errors:      []string{},
		Warnings:    []string{},
		Suggestions: []string{},
		Findings:    []Finding{},
	}
	for _, p := range e.passes {
		for _, f := range p.run(instructions) {
			res.Findings = append(res.Findings, f)
			switch f.Severity {
			case SeverityError:
				res.Errors = append(res.Errors, f.String())
			case SeverityWarning:
				res.Warnings = append(res.Warnings, f.String())
			default:
				res.Suggestions = append(res.Suggestions, f.String())
			}
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func Validate(instructions []recipe.Instruction) Result {
	return defaultEngine.Validate(instructions)
}

// ValidateText parses text and validates the result.
func ValidateText(text string) Result {
	return defaultEngine.Validate(recipe.Parse(text))
}
