package lint

import (
	"strings"

	"github.com/dockgen/dockgen/internal/recipe"
)

const markMultiStage = "multi-stage"

// maxChainedCommands is the largest && chain a RUN may carry before the
// linter asks for it to be split.
const maxChainedCommands = 3

func BestPracticesPass() Pass {
	return Pass{
		Name: "best-practices",
		Opcodes: map[string][]Check{
			"FROM": {{Rule: "multi-stage", Fn: markStages}},
			"RUN":  {{Rule: "long-run", Fn: checkLongRun}},
			"COPY": {{Rule: "copy-node-modules", Fn: checkCopyNodeModules}},
		},
		Final: []FinalCheck{
			{Rule: "missing-workdir", Fn: suggestIfMissing("WORKDIR", "Consider adding a WORKDIR instruction to set the working directory")},
			{Rule: "missing-expose", Fn: suggestIfMissing("EXPOSE", "Consider adding an EXPOSE instruction to document the port")},
			{Rule: "missing-healthcheck", Fn: suggestIfMissing("HEALTHCHECK", "Consider adding a HEALTHCHECK instruction for better container monitoring")},
			{Rule: "missing-label", Fn: suggestIfMissing("LABEL", "Consider adding LABEL instructions for metadata")},
			{Rule: "multi-stage", Fn: suggestMultiStage},
		},
	}
}

func suggestIfMissing(opcode, message string) FinalFunc {
	return func(s *Scan) {
		if s.Seen(opcode) == 0 {
			s.Suggest(0, "%s", message)
		}
	}
}

func markStages(s *Scan, ins recipe.Instruction) {
	if _, alias := fromImage(ins.Args); alias != "" {
		s.Mark(markMultiStage)
	}
}

func suggestMultiStage(s *Scan) {
	if !s.Marked(markMultiStage) {
		s.Suggest(0, "Consider using multi-stage builds to reduce image size")
	}
}

func checkLongRun(s *Scan, ins recipe.Instruction) {
	if n := len(strings.Split(ins.Args, "&&")); n > maxChainedCommands {
		s.Warn(ins.Line, "Long RUN command with %d chained commands - consider splitting", n)
	}
}

// Copies between stages (--from) are how multi-stage builds carry
// dependencies forward and are not flagged.
func checkCopyNodeModules(s *Scan, ins recipe.Instruction) {
	if _, ok := flagValue(ins.Args, "from"); ok {
		return
	}
	pos := positional(ins.Args)
	if len(pos) < 2 {
		return
	}
	for _, src := range pos[:len(pos)-1] {
		if strings.Contains(src, "node_modules") {
			s.Warn(ins.Line, "Copying node_modules may cause issues - consider using .dockerignore")
			return
		}
	}
}
