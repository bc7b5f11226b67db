package lint

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockgen/dockgen/internal/recipe"
)

const sampleRecipe = "FROM node:18-alpine\nWORKDIR /app\nINVALID_INSTRUCTION test\nCOPY package*.json ./\nRUN npm ci --only=production\nCOPY . .\nEXPOSE 3000\nCMD [\"npm\",\"start\"]"

func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func findingsFor(res Result, rule string) []Finding {
	var out []Finding
	for _, f := range res.Findings {
		if f.Rule == rule {
			out = append(out, f)
		}
	}
	return out
}

func TestValidate_UnknownInstructionIsInvalid(t *testing.T) {
	res := ValidateText(sampleRecipe)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors, "Line 3: Invalid instruction 'INVALID_INSTRUCTION'")
}

func TestValidate_RootUserIsInvalid(t *testing.T) {
	text := strings.Replace(sampleRecipe, "INVALID_INSTRUCTION test\n", "", 1)
	text = strings.Replace(text, "EXPOSE 3000", "USER root\nEXPOSE 3000", 1)

	res := ValidateText(text)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "root")
}

func TestValidate_MinimalRecipeIsValidWithSuggestions(t *testing.T) {
	text := "FROM node:18-alpine\nCOPY package*.json ./\nRUN npm ci --only=production\nCOPY . .\nCMD [\"npm\",\"start\"]"

	res := ValidateText(text)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
	assert.True(t, anyContains(res.Suggestions, "WORKDIR"), "suggestions: %v", res.Suggestions)
	assert.True(t, anyContains(res.Suggestions, "EXPOSE"), "suggestions: %v", res.Suggestions)
}

func TestValidate_TrailingLoneContinuationStaysValid(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nUSER node\nCMD [\"node\",\"index.js\"]\n\\\n")
	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.False(t, anyContains(res.Errors, "Invalid instruction"), "errors: %v", res.Errors)
}

func TestValidate_MissingUserWarnsAndSuggests(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nCMD [\"node\",\"index.js\"]")
	assert.Contains(t, res.Warnings, "No USER instruction found - container will run as root")
	assert.True(t, anyContains(res.Suggestions, "USER instruction"))

	res = ValidateText("FROM node:18-alpine\nUSER node\nCMD [\"node\",\"index.js\"]")
	assert.False(t, anyContains(res.Warnings, "No USER instruction"))
}

func TestValidate_RootUserVariants(t *testing.T) {
	cases := []struct {
		user    string
		invalid bool
	}{
		{"root", true},
		{"0", true},
		{"root:root", true},
		{"0:0", true},
		{"node", false},
		{"1001:1001", false},
		{"rootless", false},
	}
	for _, tc := range cases {
		t.Run(tc.user, func(t *testing.T) {
			res := ValidateText("FROM node:18-alpine\nUSER " + tc.user)
			assert.Equal(t, !tc.invalid, res.Valid, "errors: %v", res.Errors)
		})
	}
}

func TestValidate_ExposeFormats(t *testing.T) {
	cases := []struct {
		args  string
		valid bool
	}{
		{"3000", true},
		{"8080/tcp", true},
		{"53/udp", true},
		{"$PORT", true},
		{"${PORT}", true},
		{"", false},
		{"abc", false},
		{"3000/sctp", false},
		{"${PORT", false},
		{"3000 8080", false},
		{"80-90", false},
	}
	for _, tc := range cases {
		t.Run(tc.args, func(t *testing.T) {
			res := Validate([]recipe.Instruction{
				{Line: 1, Opcode: "FROM", Args: "node:18-alpine"},
				{Line: 2, Opcode: "EXPOSE", Args: tc.args},
			})
			assert.Equal(t, tc.valid, res.Valid, "errors: %v", res.Errors)
		})
	}
}

func TestValidate_FromTags(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"latest", "FROM node:latest", "instead of 'latest'"},
		{"untagged", "FROM node", "specific tag for the base image"},
		{"registry port untagged", "FROM localhost:5000/app", "specific tag for the base image"},
		{"tagged", "FROM node:18-alpine", ""},
		{"digest", "FROM node@sha256:" + strings.Repeat("a", 64), ""},
		{"scratch", "FROM scratch", ""},
		{"templated", "FROM node:${NODE_VERSION}", ""},
		{"stage alias", "FROM node:18-alpine AS base\nFROM base AS deps", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ValidateText(tc.text)
			tags := findingsFor(res, "from-tag")
			if tc.want == "" {
				assert.Empty(t, tags)
				return
			}
			require.Len(t, tags, 1)
			assert.Contains(t, tags[0].Message, tc.want)
			assert.Equal(t, SeverityWarning, tags[0].Severity)
		})
	}
}

func TestValidate_FromWithoutImage(t *testing.T) {
	res := Validate([]recipe.Instruction{{Line: 1, Opcode: "FROM"}})
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Line 1: FROM instruction requires a base image")
}

func TestValidate_CopyArguments(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nCOPY onlyone")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Line 2: COPY instruction requires source and destination")

	res = ValidateText("FROM node:18-alpine\nCOPY --chown=node:node --link src")
	assert.False(t, res.Valid, "flags are not positional arguments")

	res = ValidateText("FROM node:18-alpine\nADD [\"a.tar.gz\", \"/opt/\"]")
	assert.Empty(t, findingsFor(res, "copy-arguments"))
}

func TestValidate_CopyWildcard(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nCOPY src/*.js ./")
	assert.Len(t, findingsFor(res, "copy-wildcard"), 1)

	res = ValidateText("FROM node:18-alpine\nCOPY node_modules/* ./node_modules/")
	assert.Empty(t, findingsFor(res, "copy-wildcard"))
}

func TestValidate_RunPackageHygiene(t *testing.T) {
	res := ValidateText("FROM debian:12-slim\nRUN apt-get update && apt-get install -y curl")
	assert.Len(t, findingsFor(res, "package-cache"), 1)

	res = ValidateText("FROM debian:12-slim\nRUN apt-get update && apt-get install -y curl && rm -rf /var/lib/apt/lists/*")
	assert.Empty(t, findingsFor(res, "package-cache"))

	res = ValidateText("FROM node:18-alpine\nRUN npm install")
	assert.Len(t, findingsFor(res, "production-install"), 1)

	for _, cmd := range []string{"npm ci --only=production", "yarn install --production", "pnpm install --prod", "npm ci --omit=dev"} {
		res = ValidateText("FROM node:18-alpine\nRUN " + cmd)
		assert.Empty(t, findingsFor(res, "production-install"), cmd)
	}
}

func TestValidate_SecurityWarnings(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nRUN sudo apt-get install -y git\nCOPY --chown=root:root . .\nUSER node")
	assert.True(t, res.Valid)
	assert.Len(t, findingsFor(res, "privilege-escalation"), 1)
	assert.Len(t, findingsFor(res, "root-ownership"), 1)

	res = ValidateText("FROM node:18-alpine\nRUN echo 'pseudo'\nUSER node")
	assert.Empty(t, findingsFor(res, "privilege-escalation"), "substring is not an invocation")
}

func TestValidate_SecretPatternsWarnPerPattern(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nENV API_KEY=abc\nUSER node")
	secrets := findingsFor(res, "secret-literal")
	require.Len(t, secrets, 2, "matches both key and api key")
	assert.Equal(t, 2, secrets[0].Line)
	assert.True(t, res.Valid)

	res = ValidateText("# password in a comment\nFROM node:18-alpine\nUSER node")
	assert.Empty(t, findingsFor(res, "secret-literal"))
}

func TestValidate_BestPractices(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nRUN a && b && c && d\nCOPY node_modules ./node_modules\nUSER node")
	assert.True(t, res.Valid)
	assert.Len(t, findingsFor(res, "long-run"), 1)
	assert.Len(t, findingsFor(res, "copy-node-modules"), 1)
	assert.Len(t, findingsFor(res, "multi-stage"), 1)
	assert.Len(t, findingsFor(res, "missing-healthcheck"), 1)
	assert.Len(t, findingsFor(res, "missing-label"), 1)

	res = ValidateText("FROM node:18-alpine AS deps\nFROM node:18-alpine\nCOPY --from=deps /app/node_modules ./node_modules")
	assert.Empty(t, findingsFor(res, "multi-stage"))
	assert.Empty(t, findingsFor(res, "copy-node-modules"))
}

func TestValidate_Performance(t *testing.T) {
	res := ValidateText("FROM node:18\nCOPY . .\nCOPY package.json ./\nCOPY yarn.lock ./\nRUN echo hi\nRUN npm ci --only=production")
	assert.Len(t, findingsFor(res, "manifest-order"), 1, "only the first manifest copy is checked")
	assert.Len(t, findingsFor(res, "install-order"), 1)
	require.Len(t, findingsFor(res, "minimal-base"), 1)
	assert.Equal(t, SeveritySuggestion, findingsFor(res, "minimal-base")[0].Severity)

	res = ValidateText("FROM node:18-alpine\nCOPY package.json ./\nRUN npm ci --only=production\nCOPY . .")
	assert.Empty(t, findingsFor(res, "manifest-order"))
	assert.Empty(t, findingsFor(res, "install-order"))
	assert.Empty(t, findingsFor(res, "minimal-base"))
}

func TestValidate_CaseSensitiveOpcodes(t *testing.T) {
	res := ValidateText("from node:18-alpine")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Line 1: Invalid instruction 'from'")
}

func TestValidate_PassOrderAndRendering(t *testing.T) {
	res := ValidateText("FROM node:18-alpine\nUSER root\nBOGUS x")
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "Line 3: Invalid instruction 'BOGUS'", res.Errors[0], "syntax runs before security")
	assert.Equal(t, "Line 2: Running as root user is a security risk", res.Errors[1])

	for _, f := range res.Findings {
		if f.Line == 0 {
			assert.NotContains(t, f.String(), "Line ")
		}
	}
}

func TestValidate_Idempotent(t *testing.T) {
	ins := recipe.Parse(sampleRecipe)
	first := Validate(ins)
	second := Validate(ins)
	assert.Equal(t, first, second)
}

func TestValidate_ConcurrentCallsAgree(t *testing.T) {
	ins := recipe.Parse(sampleRecipe)
	want := Validate(ins)

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Validate(ins)
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestEngine_CustomRuleTable(t *testing.T) {
	noAdd := Pass{
		Name: "house",
		Opcodes: map[string][]Check{
			"ADD": {{Rule: "no-add", Fn: func(s *Scan, ins recipe.Instruction) {
				s.Error(ins.Line, "use COPY instead of ADD")
			}}},
		},
	}
	res := NewEngine(noAdd).Validate(recipe.Parse("FROM alpine:3.19\nADD a b"))
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"Line 2: use COPY instead of ADD"}, res.Errors)
	assert.Equal(t, "house", res.Findings[0].Pass)
}

func TestValidate_EmptyInput(t *testing.T) {
	res := ValidateText("")
	assert.True(t, res.Valid)
	assert.NotNil(t, res.Errors)
	assert.NotNil(t, res.Warnings)
	assert.Empty(t, findingsFor(res, "missing-user"), "no FROM, no missing-user warning")
}
