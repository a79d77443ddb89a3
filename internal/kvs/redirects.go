package kvs

import (
	"path"
	"sort"
)

// DirectoryRedirects builds the redirect entries for a set of published
// object keys. The root directory needs no redirect.
func DirectoryRedirects(keys []string, defaultDocument string) []Entry {
	seen := make(map[string]bool)
	var entries []Entry
	for _, key := range keys {
		if path.Base(key) != defaultDocument {
			continue
		}
		dir := path.Dir(key)
		if dir == "." || seen[dir] {
			continue
		}
		seen[dir] = true
		entries = append(entries, Entry{Key: "/" + dir, Value: "/" + dir + "/"})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Scope returns the existing keys managed by a publish of branch: the
// branch directory itself and everything below it. An empty branch
// manages every key.
func Scope(existing map[string]string, branch string) map[string]string {
	if branch == "" {
		return existing
	}
	scoped := make(map[string]string)
	for k, v := range existing {
		if InScope(k, branch) {
			scoped[k] = v
		}
	}
	return scoped
}
