package ot

// Apply returns text with op applied. Out-of-range positions and lengths are
// clamped to the text, so a range already shrunk by an earlier transform
// never panics.
func Apply(op Operation, text string) string {
	switch op.Kind {
	case KindInsert:
		p := clamp(op.Position, 0, len(text))
		return text[:p] + op.Text + text[p:]
	case KindDelete:
		p := clamp(op.Position, 0, len(text))
		end := clamp(op.Position+op.Length, p, len(text))
		return text[:p] + text[end:]
	}
	return text
}

// ApplyAll applies ops in order.
func ApplyAll(text string, ops ...Operation) string {
	for _, op := range ops {
		text = Apply(op, text)
	}
	return text
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
