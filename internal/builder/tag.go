package builder

import "strings"

const DefaultImagePrefix = "dockgen-ai"

// ImageTag names the image for a build: <prefix>-<sanitized id>:latest.
func ImageTag(prefix, buildID string) string {
	if prefix = SanitizeName(prefix); prefix == "" {
		prefix = DefaultImagePrefix
	}
	id := SanitizeName(buildID)
	if id == "" {
		id = "build"
	}
	return prefix + "-" + id + ":latest"
}

// SanitizeName lowercases s and keeps only [a-z0-9]. Every run of other
// characters, separators included, becomes a single '-' and separators at
// either end are dropped, so the result is a legal repository path component.
func SanitizeName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
