// Package semver classifies raw version-control tags against a semantic
// version scheme and orders the resulting canonical versions.
package semver

import (
	"regexp"
	"sort"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

// versionPattern matches the version-bearing portion of a tag once any
// leading path segments and alphabetic prefixes have been stripped. At least
// major.minor is required so plain build numbers ("20240101") do not classify.
var versionPattern = regexp.MustCompile(
	`^v?\d+\.\d+(\.\d+)?(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`,
)

// Classify maps an arbitrary tag string to its canonical
// major.minor.patch[-prerelease][+build] form. Tags that do not tolerantly
// parse as a semantic version return ok == false; they are not errors, just
// non-release tags (branches, CI markers and the like).
//
// Tolerated shapes include "v1.2.3", "release-1.2.3" and "Sources/Lib/1.2.3".
// Classification is idempotent: classifying a canonical string returns the
// same string.
func Classify(tag string) (string, bool) {
	candidate := tag
	if idx := strings.LastIndexByte(candidate, '/'); idx >= 0 {
		candidate = candidate[idx+1:]
	}
	candidate = stripAlphaPrefix(candidate)

	if !versionPattern.MatchString(candidate) {
		return "", false
	}

	v, err := masterminds.NewVersion(candidate)
	if err != nil {
		return "", false
	}
	return v.String(), true
}

// stripAlphaPrefix removes a leading alphabetic prefix such as "v",
// "release-" or "version_" ahead of the first digit. Prefixes containing
// digits are left alone so tags like "2024-1.2.3" stay unclassifiable.
func stripAlphaPrefix(s string) string {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			return s[i:]
		}
		if !isPrefixByte(c) {
			return s
		}
	}
	return s
}

func isPrefixByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c == '-' || c == '_' || c == '.':
		return true
	}
	return false
}

// Compare returns -1, 0 or 1 ordering two canonical versions. Inputs that do
// not parse fall back to lexicographic comparison so Compare stays total.
func Compare(a, b string) int {
	av, errA := masterminds.NewVersion(a)
	bv, errB := masterminds.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return av.Compare(bv)
}

// Sort orders canonical versions ascending in place by semantic-version
// precedence.
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return Compare(versions[i], versions[j]) < 0
	})
}
