package lint

import (
	"regexp"
	"strings"

	"github.com/dockgen/dockgen/internal/recipe"
)

var vocabulary = map[string]struct{}{
	"FROM": {}, "RUN": {}, "CMD": {}, "LABEL": {}, "MAINTAINER": {}, "EXPOSE": {},
	"ENV": {}, "ADD": {}, "COPY": {}, "ENTRYPOINT": {}, "VOLUME": {}, "USER": {},
	"WORKDIR": {}, "ARG": {}, "ONBUILD": {}, "STOPSIGNAL": {}, "HEALTHCHECK": {}, "SHELL": {},
}

// KnownOpcode reports whether opcode is part of the recipe vocabulary.
// Matching is case-sensitive.
func KnownOpcode(opcode string) bool {
	_, ok := vocabulary[opcode]
	return ok
}

var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d+$`),
	regexp.MustCompile(`^\d+/tcp$`),
	regexp.MustCompile(`^\d+/udp$`),
	regexp.MustCompile(`^\$\w+$`),
	regexp.MustCompile(`^\$\{\w+\}$`),
}

var (
	indexRefreshes = []string{"apt-get update", "apt update", "apk update"}
	cacheCleans    = []string{"apt-get clean", "rm -rf /var/lib/apt/lists", "rm -rf /var/cache/apk", "--no-cache"}
)

func SyntaxPass() Pass {
	return Pass{
		Name: "syntax",
		Any: []Check{
			{Rule: "unknown-instruction", Fn: checkVocabulary},
		},
		Opcodes: map[string][]Check{
			"FROM": {
				{Rule: "from-image", Fn: checkFromImage},
				{Rule: "from-tag", Fn: checkFromTag},
			},
			"COPY": {
				{Rule: "copy-arguments", Fn: checkCopyArguments},
				{Rule: "copy-wildcard", Fn: checkCopyWildcard},
			},
			"ADD": {
				{Rule: "copy-arguments", Fn: checkCopyArguments},
				{Rule: "copy-wildcard", Fn: checkCopyWildcard},
			},
			"EXPOSE": {
				{Rule: "expose-port", Fn: checkExposePort},
			},
			"RUN": {
				{Rule: "package-cache", Fn: checkPackageCache},
				{Rule: "production-install", Fn: checkProductionInstall},
			},
		},
	}
}

func checkVocabulary(s *Scan, ins recipe.Instruction) {
	if !KnownOpcode(ins.Opcode) {
		s.Error(ins.Line, "Invalid instruction '%s'", ins.Opcode)
	}
}

func checkFromImage(s *Scan, ins recipe.Instruction) {
	if image, _ := fromImage(ins.Args); image == "" {
		s.Error(ins.Line, "FROM instruction requires a base image")
	}
}

func checkFromTag(s *Scan, ins recipe.Instruction) {
	image, _ := fromImage(ins.Args)
	if image == "" || strings.EqualFold(image, "scratch") || templatedImage(image) || s.IsStage(image) {
		return
	}
	tag, pinned := imageTag(image)
	switch {
	case pinned:
	case tag == "":
		s.Warn(ins.Line, "Consider using a specific tag for the base image")
	case tag == "latest":
		s.Warn(ins.Line, "Consider using a specific tag instead of 'latest'")
	}
}

func checkCopyArguments(s *Scan, ins recipe.Instruction) {
	if len(positional(ins.Args)) < 2 {
		s.Error(ins.Line, "%s instruction requires source and destination", ins.Opcode)
	}
}

func checkCopyWildcard(s *Scan, ins recipe.Instruction) {
	pos := positional(ins.Args)
	if len(pos) < 2 {
		return
	}
	for _, src := range pos[:len(pos)-1] {
		if strings.Contains(src, "*") && !strings.Contains(src, "node_modules") {
			s.Warn(ins.Line, "Wildcard usage in %s may copy unnecessary files", ins.Opcode)
			return
		}
	}
}

func checkExposePort(s *Scan, ins recipe.Instruction) {
	ports := ins.Fields()
	switch len(ports) {
	case 0:
		s.Error(ins.Line, "EXPOSE instruction requires a port number")
		return
	case 1:
	default:
		s.Error(ins.Line, "Invalid port format '%s'", ins.Args)
		return
	}
	for _, re := range portPatterns {
		if re.MatchString(ports[0]) {
			return
		}
	}
	s.Error(ins.Line, "Invalid port format '%s'", ports[0])
}

func checkPackageCache(s *Scan, ins recipe.Instruction) {
	for _, refresh := range indexRefreshes {
		if strings.Contains(ins.Args, refresh) {
			if !containsAny(ins.Args, cacheCleans...) {
				s.Warn(ins.Line, "Consider cleaning the package cache after '%s'", refresh)
			}
			return
		}
	}
}

func checkProductionInstall(s *Scan, ins recipe.Instruction) {
	tokens := shellTokens(ins.Args)
	if dependencyInstall(tokens) && !productionInstall(tokens) {
		s.Warn(ins.Line, "Consider using 'npm ci --only=production' for production builds")
	}
}
