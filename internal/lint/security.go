package lint

import (
	"regexp"

	"github.com/dockgen/dockgen/internal/recipe"
)

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{name: "password", re: regexp.MustCompile(`(?i)password`)},
	{name: "secret", re: regexp.MustCompile(`(?i)secret`)},
	{name: "key", re: regexp.MustCompile(`(?i)key`)},
	{name: "token", re: regexp.MustCompile(`(?i)token`)},
	{name: "api key", re: regexp.MustCompile(`(?i)api[_-]?key`)},
}

// Root is the only blocking security rule; everything else here warns.
func SecurityPass() Pass {
	return Pass{
		Name: "security",
		Any: []Check{
			{Rule: "secret-literal", Fn: checkSecrets},
		},
		Opcodes: map[string][]Check{
			"USER": {{Rule: "root-user", Fn: checkRootUser}},
			"RUN":  {{Rule: "privilege-escalation", Fn: checkPrivilegeEscalation}},
			"COPY": {{Rule: "root-ownership", Fn: checkRootOwnership}},
		},
		Final: []FinalCheck{
			{Rule: "missing-user", Fn: checkMissingUser},
		},
	}
}

func checkRootUser(s *Scan, ins recipe.Instruction) {
	fields := ins.Fields()
	if len(fields) == 0 {
		return
	}
	if ownerIsRoot(fields[0]) {
		s.Error(ins.Line, "Running as root user is a security risk")
	}
}

func checkPrivilegeEscalation(s *Scan, ins recipe.Instruction) {
	if tool, ok := hasToken(shellTokens(ins.Args), "sudo", "su", "doas"); ok {
		s.Warn(ins.Line, "Using %s in RUN instruction may indicate security issues", tool)
	}
}

func checkRootOwnership(s *Scan, ins recipe.Instruction) {
	if owner, ok := flagValue(ins.Args, "chown"); ok && ownerIsRoot(owner) {
		s.Warn(ins.Line, "Copying files with root ownership may cause security issues")
	}
}

func checkSecrets(s *Scan, ins recipe.Instruction) {
	text := ins.Text()
	for _, p := range secretPatterns {
		if p.re.MatchString(text) {
			s.Warn(ins.Line, "Potential secret detected (%s) - consider using build args or secrets", p.name)
		}
	}
}

func checkMissingUser(s *Scan) {
	if s.Seen("FROM") > 0 && s.Seen("USER") == 0 {
		s.Warn(0, "No USER instruction found - container will run as root")
		s.Suggest(0, "Add a USER instruction to run as non-root user for better security")
	}
}
