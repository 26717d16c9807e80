package ot

import "unicode/utf8"

// Diff derives operations turning old into new from the common prefix and
// suffix of the two snapshots. The result is empty when the texts are
// equal, a single Insert or Delete for pure insertions and removals, and a
// Delete followed by an Insert for replacements. It is a best-effort
// fallback for clients that only report snapshots, not a minimal diff.
func Diff(old, new string) []Operation {
	if old == new {
		return nil
	}

	i := 0
	for i < len(old) && i < len(new) && old[i] == new[i] {
		i++
	}
	for i > 0 && (!runeStartAt(old, i) || !runeStartAt(new, i)) {
		i--
	}

	j := 0
	for j < len(old)-i && j < len(new)-i && old[len(old)-1-j] == new[len(new)-1-j] {
		j++
	}
	for j > 0 && !runeStartAt(old, len(old)-j) {
		j--
	}

	removed := old[i : len(old)-j]
	added := new[i : len(new)-j]

	var ops []Operation
	if removed != "" {
		ops = append(ops, Delete(i, len(removed)))
	}
	if added != "" {
		ops = append(ops, Insert(i, added))
	}
	return ops
}

func runeStartAt(s string, i int) bool {
	return i >= len(s) || utf8.RuneStart(s[i])
}
