package qmp

import "github.com/tidwall/gjson"

// matchesPattern implements the design note "keep the parse as a
// structural match (has_member, get_member_str) rather than a typed
// schema": pattern is itself a JSON object, and result matches if every
// key in pattern is present in result with an equal (or, for nested
// objects, recursively matching) value. Extra keys in result are
// ignored, so a pattern like {"event":"MIGRATION","data":{"status":
// "pre-switchover"}} matches any MIGRATION event carrying that status
// regardless of what else is in data.
func matchesPattern(result gjson.Result, pattern string) bool {
	p := gjson.Parse(pattern)
	if !p.IsObject() {
		return false
	}

	matched := true
	p.ForEach(func(key, value gjson.Result) bool {
		target := result.Get(key.String())
		if !target.Exists() {
			matched = false
			return false
		}
		if value.IsObject() {
			if !matchesPattern(target, value.Raw) {
				matched = false
				return false
			}
			return true
		}
		if target.String() != value.String() {
			matched = false
			return false
		}
		return true
	})
	return matched
}
