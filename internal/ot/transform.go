package ot

// Transform rebases two concurrent operations against each other. The
// returned a2 applies after b, b2 applies after a, and for every text T
//
//	Apply(b2, Apply(a, T)) == Apply(a2, Apply(b, T))
//
// Inserts at the same position are ordered with a first.
func Transform(a, b Operation) (a2, b2 Operation) {
	return TransformPriority(a, b, true)
}

// TransformPriority is Transform with an explicit tie-break for inserts at
// the same position: when aFirst is set a's text ends up before b's.
func TransformPriority(a, b Operation, aFirst bool) (a2, b2 Operation) {
	switch {
	case a.Kind == KindNoop || b.Kind == KindNoop:
		return a, b
	case a.Kind == KindInsert && b.Kind == KindInsert:
		return transformInserts(a, b, aFirst)
	case a.Kind == KindInsert && b.Kind == KindDelete:
		return transformInsertDelete(a, b)
	case a.Kind == KindDelete && b.Kind == KindInsert:
		b2, a2 = transformInsertDelete(b, a)
		return a2, b2
	case a.Kind == KindDelete && b.Kind == KindDelete:
		return transformDeletes(a, b)
	}
	return a, b
}

// PriorityFirst reports whether edits by userA win insert ties against
// userB. The order is lexicographic on user id so both replicas agree.
func PriorityFirst(userA, userB string) bool {
	return userA <= userB
}

func transformInserts(a, b Operation, aFirst bool) (Operation, Operation) {
	if a.Position < b.Position || (a.Position == b.Position && aFirst) {
		b.Position += len(a.Text)
		return a, b
	}
	a.Position += len(b.Text)
	return a, b
}

func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	switch {
	case ins.Position <= del.Position:
		del.Position += len(ins.Text)
		return ins, del
	case ins.Position >= del.End():
		ins.Position -= del.Length
		return ins, del
	}
	// The insert landed inside a range the other side removed: drop it and
	// widen the delete so the inserted text goes away on this side too.
	del.Length += len(ins.Text)
	return Noop(), del
}

func transformDeletes(a, b Operation) (Operation, Operation) {
	switch {
	case a.End() <= b.Position:
		b.Position -= a.Length
		return a, b
	case b.End() <= a.Position:
		a.Position -= b.Length
		return a, b
	}
	overlap := min(a.End(), b.End()) - max(a.Position, b.Position)
	start := min(a.Position, b.Position)
	return shrunkDelete(start, a.Length-overlap), shrunkDelete(start, b.Length-overlap)
}

func shrunkDelete(pos, n int) Operation {
	if n <= 0 {
		return Noop()
	}
	return Delete(pos, n)
}
