package tools

import "sort"

// builtinOrder is the display order for the builtin tools. Anything not
// listed here is appended alphabetically.
var builtinOrder = []string{"read", "write", "edit", "grep", "find", "ls", "bash", "process"}

// CanonicalOrder sorts tool names with builtins first in their fixed
// order, then everything else alphabetically.
func CanonicalOrder(names []string) []string {
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	out := make([]string, 0, len(names))
	for _, n := range builtinOrder {
		if present[n] {
			out = append(out, n)
			present[n] = false
		}
	}
	var extras []string
	for _, n := range names {
		if present[n] {
			extras = append(extras, n)
			present[n] = false
		}
	}
	sort.Strings(extras)
	return append(out, extras...)
}

// Filter restricts which registered tools an agent turn may call. An
// empty allow list admits every tool; deny always wins.
type Filter struct {
	Allow []string
	Deny  []string
}

func (f Filter) Allows(name string) bool {
	for _, d := range f.Deny {
		if d == name {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, a := range f.Allow {
		if a == name {
			return true
		}
	}
	return false
}

// Split partitions names into callable and denied, both in canonical
// order. Denied names are surfaced so the system prompt can list them
// as do-not-call.
func (f Filter) Split(names []string) (allowed, denied []string) {
	for _, n := range CanonicalOrder(names) {
		if f.Allows(n) {
			allowed = append(allowed, n)
		} else {
			denied = append(denied, n)
		}
	}
	return allowed, denied
}
