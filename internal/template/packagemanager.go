package template

import (
	"path"
	"strings"
)

type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
)

var lockfiles = map[string]PackageManager{
	"pnpm-lock.yaml":      PNPM,
	"yarn.lock":           Yarn,
	"package-lock.json":   NPM,
	"npm-shrinkwrap.json": NPM,
}

// ParsePackageManager accepts a manager name or a lockfile name. Anything
// else resolves to npm with ok=false.
func ParsePackageManager(kind string) (PackageManager, bool) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch PackageManager(kind) {
	case NPM, Yarn, PNPM:
		return PackageManager(kind), true
	}
	if pm, ok := lockfiles[path.Base(kind)]; ok {
		return pm, true
	}
	return NPM, false
}

// DetectLockfile returns the lockfile name with the highest precedence among
// files: pnpm, then yarn, then npm. Empty when none is present.
func DetectLockfile(files []string) string {
	present := map[string]bool{}
	for _, f := range files {
		present[path.Base(strings.ReplaceAll(f, "\\", "/"))] = true
	}
	for _, name := range []string{"pnpm-lock.yaml", "yarn.lock", "package-lock.json", "npm-shrinkwrap.json"} {
		if present[name] {
			return name
		}
	}
	return ""
}

type commandSet struct {
	// setup runs once in a stage that later stages build on.
	setup       string
	installProd string
	installAll  string
	build       string
	cacheClean  string
}

// npm ci refuses to run without a lockfile, so npm falls back to install
// when none was found.
func (pm PackageManager) commands(haveLockfile bool) commandSet {
	switch pm {
	case Yarn:
		return commandSet{
			installProd: "yarn install --frozen-lockfile --production",
			installAll:  "yarn install --frozen-lockfile",
			build:       "yarn build",
			cacheClean:  "yarn cache clean",
		}
	case PNPM:
		return commandSet{
			setup:       "corepack enable",
			installProd: "corepack enable && pnpm install --frozen-lockfile --prod",
			installAll:  "corepack enable && pnpm install --frozen-lockfile",
			build:       "pnpm build",
			cacheClean:  "pnpm store prune",
		}
	}
	if !haveLockfile {
		return commandSet{
			installProd: "npm install --omit=dev",
			installAll:  "npm install",
			build:       "npm run build",
			cacheClean:  "npm cache clean --force",
		}
	}
	return commandSet{
		installProd: "npm ci --only=production",
		installAll:  "npm ci",
		build:       "npm run build",
		cacheClean:  "npm cache clean --force",
	}
}
