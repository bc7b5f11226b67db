package lint

import (
	"encoding/json"
	"strings"

	"github.com/distribution/reference"
	"github.com/google/shlex"
)

func lower(s string) string { return strings.ToLower(s) }

// positional returns the non-flag arguments of COPY, ADD or FROM. The JSON
// array form is decoded when it parses.
func positional(args string) []string {
	args = strings.TrimSpace(args)
	var fields []string
	if strings.HasPrefix(args, "[") {
		if err := json.Unmarshal([]byte(args), &fields); err != nil {
			fields = strings.Fields(args)
		}
	} else {
		fields = strings.Fields(args)
	}
	i := 0
	for i < len(fields) && strings.HasPrefix(fields[i], "--") {
		i++
	}
	return fields[i:]
}

// flagValue looks up a leading --name=value flag.
func flagValue(args, name string) (string, bool) {
	prefix := "--" + name + "="
	for _, f := range strings.Fields(args) {
		if !strings.HasPrefix(f, "--") {
			break
		}
		if strings.HasPrefix(f, prefix) {
			return strings.TrimPrefix(f, prefix), true
		}
	}
	return "", false
}

// fromImage splits FROM arguments into the image reference and the stage alias.
func fromImage(args string) (image, alias string) {
	pos := positional(args)
	if len(pos) == 0 {
		return "", ""
	}
	image = pos[0]
	if len(pos) >= 3 && strings.EqualFold(pos[1], "as") {
		alias = pos[2]
	}
	return image, alias
}

// imageTag reports the tag of an image reference. Digest-pinned references
// report pinned=true.
func imageTag(image string) (tag string, pinned bool) {
	named, err := reference.ParseNormalizedNamed(image)
	if err == nil {
		if _, ok := named.(reference.Digested); ok {
			return "", true
		}
		if tagged, ok := named.(reference.Tagged); ok {
			return tagged.Tag(), false
		}
		return "", false
	}
	if strings.Contains(image, "@") {
		return "", true
	}
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		return image[i+1:], false
	}
	return "", false
}

// templatedImage reports references that depend on build args.
func templatedImage(image string) bool {
	return strings.Contains(image, "$")
}

func shellTokens(cmd string) []string {
	tokens, err := shlex.Split(cmd)
	if err != nil || len(tokens) == 0 {
		return strings.Fields(cmd)
	}
	return tokens
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasToken(tokens []string, want ...string) (string, bool) {
	for _, tok := range tokens {
		for _, w := range want {
			if tok == w {
				return tok, true
			}
		}
	}
	return "", false
}

var installSubcommands = map[string]map[string]bool{
	"npm":  {"install": true, "i": true, "ci": true},
	"yarn": {"install": true, "add": true},
	"pnpm": {"install": true, "i": true, "add": true},
}

// dependencyInstall reports whether tokens invoke a JavaScript package
// manager install.
func dependencyInstall(tokens []string) bool {
	for i := 0; i+1 < len(tokens); i++ {
		if subs, ok := installSubcommands[tokens[i]]; ok && subs[tokens[i+1]] {
			return true
		}
	}
	return false
}

func productionInstall(tokens []string) bool {
	for _, tok := range tokens {
		switch tok {
		case "--production", "--production=true", "--only=production", "--only=prod", "--omit=dev", "--prod":
			return true
		}
	}
	return false
}

func ownerIsRoot(owner string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(owner), ":")
	return name == "root" || name == "0"
}
