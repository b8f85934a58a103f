package state

// Predicates shared by the server's bulk clears and the client cache that
// mirrors them. except holds keys to keep.

func set(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		m[key] = struct{}{}
	}
	return m
}

// GlobalClear matches keys that don't start with a GUID and aren't in except.
func GlobalClear(except []string) func(key string) bool {
	keep := set(except)
	return func(key string) bool {
		if StartsWithGUID(key) {
			return false
		}
		_, kept := keep[key]
		return !kept
	}
}

// PlayersClear matches player-shaped keys whose owner identity isn't in
// except.
func PlayersClear(except []string) func(key string) bool {
	keep := set(except)
	return func(key string) bool {
		owner, _, ok := SplitPlayerKey(key)
		if !ok {
			return false
		}
		_, kept := keep[owner]
		return !kept
	}
}

// PlayerClear matches the keys of one player whose sub-key isn't in except.
func PlayerClear(player string, except []string) func(key string) bool {
	keep := set(except)
	return func(key string) bool {
		owner, subKey, ok := SplitPlayerKey(key)
		if !ok || owner != player {
			return false
		}
		_, kept := keep[subKey]
		return !kept
	}
}
