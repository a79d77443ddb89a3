package kvs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ParseRules reads explicit redirects, one "source destination" pair per
// line. Blank lines and # comments are skipped. A trailing status field is
// allowed and ignored since the viewer function always answers 301.
func ParseRules(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("line %d: want \"source destination [status]\", got %q", line, text)
		}
		if !strings.HasPrefix(fields[0], "/") {
			return nil, fmt.Errorf("line %d: source %q must start with /", line, fields[0])
		}
		entries = append(entries, Entry{Key: fields[0], Value: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadRules reads the rules file at path.
func LoadRules(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading redirect rules: %w", err)
	}
	defer f.Close()

	entries, err := ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return entries, nil
}

// Merge combines generated and explicit redirects. Explicit rules win on
// the same key. The result is sorted by key.
func Merge(generated, rules []Entry) []Entry {
	merged := make(map[string]string, len(generated)+len(rules))
	for _, e := range generated {
		merged[e.Key] = e.Value
	}
	for _, e := range rules {
		merged[e.Key] = e.Value
	}

	entries := make([]Entry, 0, len(merged))
	for k, v := range merged {
		entries = append(entries, Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// ResolveChains points every redirect at its final destination so a
// visitor is redirected once: /a -> /b and /b -> /c become /a -> /c and
// /b -> /c. A cycle is an error.
func ResolveChains(entries []Entry) ([]Entry, error) {
	next := make(map[string]string, len(entries))
	for _, e := range entries {
		next[e.Key] = e.Value
	}

	resolved := make([]Entry, 0, len(entries))
	for _, e := range entries {
		dest := e.Value
		seen := map[string]bool{e.Key: true}
		for {
			hop, ok := next[dest]
			if !ok {
				break
			}
			if seen[dest] {
				return nil, fmt.Errorf("redirect cycle: %s -> %s -> ... -> %s", e.Key, e.Value, dest)
			}
			seen[dest] = true
			dest = hop
		}
		resolved = append(resolved, Entry{Key: e.Key, Value: dest})
	}
	return resolved, nil
}

// InScope reports whether key is managed by a publish of branch.
func InScope(key, branch string) bool {
	if branch == "" {
		return true
	}
	root := "/" + strings.Trim(branch, "/")
	return key == root || strings.HasPrefix(key, root+"/")
}
