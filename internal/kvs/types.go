// Package kvs keeps a CloudFront KeyValueStore of redirects in step with
// a published tree. Each directory that has a default document maps its
// bare path to the slash form: /C/gnome-help -> /C/gnome-help/. Explicit
// rules for moved pages can be layered on top.
package kvs

// Entry is one key-value pair in the store.
type Entry struct {
	Key   string
	Value string
}

// Plan lists the writes needed to reach the desired entries.
type Plan struct {
	Puts    []Entry  // new or changed keys
	Deletes []string // keys no longer wanted
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Puts) == 0 && len(p.Deletes) == 0
}
