package lint

import (
	"path"
	"strings"

	"github.com/dockgen/dockgen/internal/recipe"
)

const markManifestCopied = "manifest-copied"

var manifestNames = map[string]struct{}{
	"package.json":        {},
	"package-lock.json":   {},
	"package*.json":       {},
	"yarn.lock":           {},
	"pnpm-lock.yaml":      {},
	"npm-shrinkwrap.json": {},
}

var minimalMarkers = []string{"alpine", "slim", "distroless", "scratch", "busybox"}

func PerformancePass() Pass {
	return Pass{
		Name: "performance",
		Opcodes: map[string][]Check{
			"COPY": {{Rule: "manifest-order", Fn: checkManifestOrder}},
			"RUN":  {{Rule: "install-order", Fn: checkInstallOrder}},
			"FROM": {{Rule: "minimal-base", Fn: checkMinimalBase}},
		},
	}
}

func isManifest(src string) bool {
	_, ok := manifestNames[path.Base(strings.TrimPrefix(src, "./"))]
	return ok
}

func checkManifestOrder(s *Scan, ins recipe.Instruction) {
	if s.Marked(markManifestCopied) {
		return
	}
	pos := positional(ins.Args)
	if len(pos) < 2 {
		return
	}
	for _, src := range pos[:len(pos)-1] {
		if !isManifest(src) {
			continue
		}
		s.Mark(markManifestCopied)
		if s.Seen("COPY") > 0 {
			s.Warn(ins.Line, "package.json should be copied before other files for better caching")
		}
		return
	}
}

func checkInstallOrder(s *Scan, ins recipe.Instruction) {
	if s.Seen("RUN") > 0 && dependencyInstall(shellTokens(ins.Args)) {
		s.Warn(ins.Line, "Dependency install should be done early for better layer caching")
	}
}

func checkMinimalBase(s *Scan, ins recipe.Instruction) {
	image, _ := fromImage(ins.Args)
	if image == "" || templatedImage(image) || s.IsStage(image) {
		return
	}
	if !containsAny(lower(image), minimalMarkers...) {
		s.Suggest(ins.Line, "Consider using a minimal base image (alpine, slim or distroless) for smaller image size")
	}
}
