package env

// MapKey makes alias resolve to real until the matching UnmapKey. A previous
// mapping of alias is kept underneath and comes back on UnmapKey.
func (e *Environment) MapKey(alias, real string) {
	e.aliases[alias] = append(e.aliases[alias], real)
}

// UnmapKey removes the most recent mapping of alias. It returns the real key
// that was unmapped, or "" when alias was not mapped.
func (e *Environment) UnmapKey(alias string) string {
	stack := e.aliases[alias]
	if len(stack) == 0 {
		return ""
	}
	top := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(e.aliases, alias)
	} else {
		// Fresh slice so snapshots sharing the old backing array are unaffected.
		e.aliases[alias] = append([]string(nil), stack[:len(stack)-1]...)
	}
	return top
}

// ResolveKey returns the real key that key currently refers to.
func (e *Environment) ResolveKey(key string) string {
	if stack := e.aliases[key]; len(stack) > 0 {
		return stack[len(stack)-1]
	}
	return key
}

func cloneAliases(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
