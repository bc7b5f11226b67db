package template

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockgen/dockgen/internal/lint"
	"github.com/dockgen/dockgen/internal/recipe"
)

func fromLines(text string) []recipe.Instruction {
	var out []recipe.Instruction
	for _, ins := range recipe.Parse(text) {
		if ins.Opcode == "FROM" {
			out = append(out, ins)
		}
	}
	return out
}

func TestSelect_EveryTemplatePassesValidation(t *testing.T) {
	lockfiles := []string{"", "npm", "yarn", "pnpm", "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "bun.lockb"}
	builds := []string{"", "npm run build", "tsc -p . \\"}
	starts := []string{"", "node dist/main.js", "npm start", "node server.js && echo done"}

	for _, kind := range Kinds() {
		for _, lock := range lockfiles {
			for _, build := range builds {
				for _, start := range starts {
					name := fmt.Sprintf("%s/%q/%q/%q", kind, lock, build, start)
					t.Run(name, func(t *testing.T) {
						out := Select(Params{
							TechStack:    []string{string(kind)},
							Lockfile:     lock,
							StartCommand: start,
							BuildCommand: build,
						})
						require.NotEmpty(t, out)
						res := lint.ValidateText(out)
						assert.True(t, res.Valid, "errors: %v\n%s", res.Errors, out)
					})
				}
			}
		}
	}
}

func TestSelect_ReactWithoutLockfileIsTwoStageStaticServer(t *testing.T) {
	out := Select(Params{TechStack: []string{"React"}})

	froms := fromLines(out)
	require.Len(t, froms, 2)
	assert.NotEqual(t, strings.Fields(froms[0].Args)[0], strings.Fields(froms[1].Args)[0])
	assert.Contains(t, out, "nginxinc/nginx-unprivileged:stable-alpine")
	assert.Contains(t, out, "RUN npm install\n", "default package manager without a lockfile")
	assert.Contains(t, out, "/app/build ")
	assert.Contains(t, out, "USER nginx")
	assert.Contains(t, out, "EXPOSE 8080")
}

func TestChoose_SelectionOrder(t *testing.T) {
	cases := []struct {
		stack []string
		want  Kind
	}{
		{[]string{"JavaScript", "React", "Next.js"}, KindNext},
		{[]string{"nextjs"}, KindNext},
		{[]string{"Vue.js", "Express"}, KindVue},
		{[]string{"Angular", "vue"}, KindVue},
		{[]string{"Angular"}, KindAngular},
		{[]string{"Koa", "Express"}, KindExpress},
		{[]string{"NestJS"}, KindNestJS},
		{[]string{"FASTIFY"}, KindFastify},
		{[]string{"JavaScript", "TypeScript"}, KindDefault},
		{nil, KindDefault},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.stack, "+"), func(t *testing.T) {
			assert.Equal(t, tc.want, Choose(Params{TechStack: tc.stack}).Kind)
		})
	}
}

func TestSelect_PackageManagerCommands(t *testing.T) {
	cases := []struct {
		lock string
		want []string
	}{
		{"pnpm-lock.yaml", []string{"corepack enable && pnpm install --frozen-lockfile --prod", "pnpm store prune"}},
		{"yarn", []string{"yarn install --frozen-lockfile --production", "yarn cache clean"}},
		{"package-lock.json", []string{"npm ci --only=production", "npm cache clean --force"}},
		{"", []string{"npm install --omit=dev", "npm cache clean --force"}},
	}
	for _, tc := range cases {
		t.Run(tc.lock, func(t *testing.T) {
			out := Select(Params{TechStack: []string{"express"}, Lockfile: tc.lock})
			for _, want := range tc.want {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestSelect_ServerTemplateShape(t *testing.T) {
	out := Select(Params{TechStack: []string{"Express"}, Lockfile: "npm", StartCommand: "node app.js"})
	assert.Contains(t, out, `CMD ["node", "app.js"]`)
	assert.Contains(t, out, "USER nodejs")
	assert.Contains(t, out, "localhost:3000/health")
	assert.NotContains(t, out, "npm run build")

	withBuild := Select(Params{TechStack: []string{"Express"}, Lockfile: "npm", BuildCommand: "npm run build"})
	assert.Contains(t, withBuild, "RUN npm ci && npm cache clean --force")
	assert.Contains(t, withBuild, "RUN npm run build")
}

func TestSelect_DefaultUsesMainFile(t *testing.T) {
	out := Select(Params{MainFile: "./src/server.js"})
	assert.Contains(t, out, `CMD ["node", "src/server.js"]`)
	assert.Contains(t, Select(Params{}), `CMD ["node", "index.js"]`)
}

func TestSelect_NextUsesStandaloneServer(t *testing.T) {
	out := Select(Params{TechStack: []string{"Next.js"}, Lockfile: "yarn.lock"})
	froms := fromLines(out)
	require.Len(t, froms, 4)
	assert.Contains(t, out, "yarn install --frozen-lockfile\n")
	assert.Contains(t, out, "RUN yarn build")
	assert.Contains(t, out, "USER nextjs")
	assert.Contains(t, out, `CMD ["node", "server.js"]`)
}

// pnpmWithoutCorepack returns the RUN lines that call pnpm in a stage where
// corepack was never enabled, either in that stage or in one it builds on.
func pnpmWithoutCorepack(text string) []string {
	enabled := map[string]bool{}
	var (
		stage   string
		current bool
		bad     []string
	)
	for _, ins := range recipe.Parse(text) {
		switch strings.ToUpper(ins.Opcode) {
		case "FROM":
			fields := ins.Fields()
			current = len(fields) > 0 && enabled[strings.ToLower(fields[0])]
			stage = ""
			if len(fields) == 3 && strings.EqualFold(fields[1], "AS") {
				stage = strings.ToLower(fields[2])
			}
		case "RUN":
			if strings.Contains(ins.Args, "pnpm") && !current && !strings.HasPrefix(ins.Args, "corepack enable") {
				bad = append(bad, ins.Text())
			}
			if strings.Contains(ins.Args, "corepack enable") {
				current = true
			}
		}
		if stage != "" {
			enabled[stage] = current
		}
	}
	return bad
}

func TestSelect_PnpmStagesEnableCorepack(t *testing.T) {
	for _, kind := range Kinds() {
		for _, build := range []string{"", "pnpm run build"} {
			t.Run(fmt.Sprintf("%s/%q", kind, build), func(t *testing.T) {
				out := Select(Params{TechStack: []string{string(kind)}, Lockfile: "pnpm", BuildCommand: build})
				assert.Empty(t, pnpmWithoutCorepack(out), "stages run pnpm without corepack:\n%s", out)
			})
		}
	}
}

func TestSelect_NextWithPnpmEnablesCorepackInBase(t *testing.T) {
	out := Select(Params{TechStack: []string{"Next.js"}, Lockfile: "pnpm"})
	assert.Contains(t, out, "FROM node:18-alpine AS base\n")
	assert.Contains(t, out, "\nRUN corepack enable\n\nFROM base AS deps")
	assert.Contains(t, out, "RUN pnpm build")

	npm := Select(Params{TechStack: []string{"Next.js"}, Lockfile: "npm"})
	assert.NotContains(t, npm, "corepack")
}

func TestSelect_Deterministic(t *testing.T) {
	p := Params{TechStack: []string{"Vue"}, Lockfile: "pnpm"}
	assert.Equal(t, Select(p), Select(p))
}

func TestExecForm(t *testing.T) {
	assert.Equal(t, `["npm", "start"]`, ExecForm("npm start", ""))
	assert.Equal(t, `["node", "index.js"]`, ExecForm("  ", ""))
	assert.Equal(t, `["node", "--max-old-space-size=512", "app.js"]`, ExecForm("node --max-old-space-size=512 app.js", ""))
	assert.Equal(t, `["sh", "-c", "node a.js && node b.js"]`, ExecForm("node a.js && node b.js", ""))
	assert.Equal(t, `["sh", "-c", "node \"unterminated"]`, ExecForm(`node "unterminated`, ""))
}

func TestDetectLockfile(t *testing.T) {
	assert.Equal(t, "pnpm-lock.yaml", DetectLockfile([]string{"yarn.lock", "pnpm-lock.yaml", "package-lock.json"}))
	assert.Equal(t, "yarn.lock", DetectLockfile([]string{"package-lock.json", "yarn.lock"}))
	assert.Equal(t, "package-lock.json", DetectLockfile([]string{"src/index.js", "package-lock.json"}))
	assert.Empty(t, DetectLockfile([]string{"package.json"}))

	pm, ok := ParsePackageManager("Yarn")
	assert.True(t, ok)
	assert.Equal(t, Yarn, pm)
	pm, ok = ParsePackageManager("bun")
	assert.False(t, ok)
	assert.Equal(t, NPM, pm)
}
