package fs

import (
	"regexp"
	"strconv"
	"strings"
)

// historicalSuffix matches a name previously produced by DisambiguateName,
// so later listings don't keep re-suffixing a name that was already
// disambiguated in an earlier pass (spec.md §4, "Name-conflict resolution").
var historicalSuffix = regexp.MustCompile(`^(.*)_([0-9]+)$`)

// IsHistoricalSuffix reports whether candidate is an already-disambiguated
// form of base: either candidate == base + "_" + digits, or (for names with
// an extension) candidate == stem(base) + "_" + digits + ext(base), the form
// DisambiguateName actually produces for files.
func IsHistoricalSuffix(base, candidate string) bool {
	m := historicalSuffix.FindStringSubmatch(candidate)
	if m != nil && m[1] == base {
		return true
	}
	stem, ext := splitStemExt(base)
	if ext == "" || !strings.HasSuffix(candidate, ext) {
		return false
	}
	m = historicalSuffix.FindStringSubmatch(strings.TrimSuffix(candidate, ext))
	return m != nil && m[1] == stem
}

// splitStemExt splits a file name into stem and extension the way the POSIX
// convention does: the extension is the substring from the last '.' onward,
// provided that dot isn't the first rune (dotfiles have no extension for
// this purpose). Directories are never split (callers check IsDir first).
func splitStemExt(name string) (stem, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

// DisambiguateName returns a name guaranteed not to collide with any
// existing name reported by exists, by splitting into stem+ext (unless
// isDir) and appending "_k" for k = 1, 2, … until exists reports false.
// If desired is already a historical numeric suffix of some name that
// doesn't collide, it is returned unchanged — spec.md's rule against
// re-renaming previously disambiguated nodes.
func DisambiguateName(desired string, isDir bool, exists func(name string) bool) string {
	if !exists(desired) {
		return desired
	}

	stem, ext := desired, ""
	if !isDir {
		stem, ext = splitStemExt(desired)
	}

	for k := 1; ; k++ {
		candidate := stem + "_" + strconv.Itoa(k) + ext
		if !exists(candidate) {
			return candidate
		}
	}
}

// ResolveIncomingName decides the local name to give a freshly listed remote
// child named remoteName under a parent whose existing children are surfaced
// by exists. It applies DisambiguateName as is: a taken remoteName gets a _k
// suffix even when it already looks like a historical suffix. Callers that
// keep an already-suffixed local name (refreshExistingChild, dispatchGet)
// check IsHistoricalSuffix before calling it.
func ResolveIncomingName(remoteName string, isDir bool, exists func(name string) bool) string {
	return DisambiguateName(remoteName, isDir, exists)
}
