// Package recipe turns Dockerfile text into logical instructions.
package recipe

import (
	"strings"
	"unicode"
)

const continuationMarker = `\`

// Instruction is one logical directive after continuation lines have been joined.
type Instruction struct {
	// Line is the 1-based number of the first physical line.
	Line   int
	Opcode string
	Args   string
	// Continued reports whether more than one physical line was joined.
	Continued bool
}

// Text returns the instruction the way it would appear on a single line.
func (i Instruction) Text() string {
	if i.Args == "" {
		return i.Opcode
	}
	return i.Opcode + " " + i.Args
}

// Fields splits Args on whitespace.
func (i Instruction) Fields() []string {
	return strings.Fields(i.Args)
}

type scanState int

const (
	stateNormal scanState = iota
	stateContinuing
)

// Parse never fails. Content it cannot make sense of still becomes an
// instruction; rejecting unknown opcodes is the linter's job.
func Parse(text string) []Instruction {
	var (
		out       []Instruction
		state     = stateNormal
		buf       strings.Builder
		startLine int
		joined    int
	)

	// A logical line with no content, such as a lone "\", yields nothing.
	finalize := func() {
		if strings.TrimSpace(buf.String()) != "" {
			out = append(out, split(buf.String(), startLine, joined > 1))
		}
		buf.Reset()
		joined = 0
		state = stateNormal
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for idx, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cont := strings.HasSuffix(line, continuationMarker)
		if cont {
			line = strings.TrimSpace(strings.TrimSuffix(line, continuationMarker))
		}

		if state == stateNormal {
			startLine = idx + 1
		} else if line != "" {
			buf.WriteByte(' ')
		}
		buf.WriteString(line)
		joined++

		if cont {
			state = stateContinuing
			continue
		}
		finalize()
	}
	if state == stateContinuing {
		finalize()
	}
	return out
}

func split(logical string, line int, continued bool) Instruction {
	logical = strings.TrimSpace(logical)
	ins := Instruction{Line: line, Continued: continued}
	idx := strings.IndexFunc(logical, unicode.IsSpace)
	if idx < 0 {
		ins.Opcode = logical
		return ins
	}
	ins.Opcode = logical[:idx]
	ins.Args = strings.TrimSpace(logical[idx:])
	return ins
}
