package ot

// Compose folds a followed by b into a single operation c with
// Apply(c, T) == Apply(b, Apply(a, T)). It reports false when the pair
// cannot be expressed as one insert or delete, e.g. a delete followed by an
// insert elsewhere.
func Compose(a, b Operation) (Operation, bool) {
	switch {
	case a.Kind == KindNoop:
		return b, true
	case b.Kind == KindNoop:
		return a, true
	case a.Kind == KindInsert && b.Kind == KindInsert:
		if b.Position < a.Position || b.Position > a.Position+len(a.Text) {
			return Operation{}, false
		}
		off := b.Position - a.Position
		return Insert(a.Position, a.Text[:off]+b.Text+a.Text[off:]), true
	case a.Kind == KindInsert && b.Kind == KindDelete:
		return composeInsertDelete(a, b)
	case a.Kind == KindDelete && b.Kind == KindDelete:
		if b.Position > a.Position || b.End() < a.Position {
			return Operation{}, false
		}
		return Delete(b.Position, a.Length+b.Length), true
	}
	return Operation{}, false
}

func composeInsertDelete(ins, del Operation) (Operation, bool) {
	insEnd := ins.Position + len(ins.Text)
	switch {
	case del.Position >= ins.Position && del.End() <= insEnd:
		// delete falls inside the inserted text
		from, to := del.Position-ins.Position, del.End()-ins.Position
		text := ins.Text[:from] + ins.Text[to:]
		if text == "" {
			return Noop(), true
		}
		return Insert(ins.Position, text), true
	case del.Position <= ins.Position && del.End() >= insEnd:
		// delete swallows the inserted text and possibly more
		return shrunkDelete(del.Position, del.Length-len(ins.Text)), true
	}
	return Operation{}, false
}
