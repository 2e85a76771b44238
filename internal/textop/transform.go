package textop

// Transform adjusts a so it can be applied to a text that already
// contains b, where a and b were both produced against the same version.
//
// Equal-position inserts are ordered by ClientID: the operation with the
// larger id moves right. A delete keeps its range when b inserts inside it;
// TransformBatch splits such deletes. Only the first transformation property
// holds; the result is reliable when a single authority orders all batches.
func Transform(a, b Operation) Operation {
	if a.Kind == Retain || b.Kind == Retain {
		return a
	}
	switch a.Kind {
	case Insert:
		switch b.Kind {
		case Insert:
			return transformInsertInsert(a, b)
		case Delete:
			return transformInsertDelete(a, b)
		}
	case Delete:
		switch b.Kind {
		case Insert:
			return transformDeleteInsert(a, b)
		case Delete:
			return transformDeleteDelete(a, b)
		}
	}
	return a
}

func transformInsertInsert(a, b Operation) Operation {
	switch {
	case b.Position < a.Position:
		a.Position += b.Span()
	case b.Position == a.Position && a.ClientID > b.ClientID:
		a.Position += b.Span()
	}
	return a
}

func transformInsertDelete(a, b Operation) Operation {
	if b.Position < a.Position {
		a.Position = maxInt(a.Position-b.Length, b.Position)
	}
	return a
}

func transformDeleteInsert(a, b Operation) Operation {
	if b.Position <= a.Position {
		a.Position += b.Span()
	}
	return a
}

func transformDeleteDelete(a, b Operation) Operation {
	aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
	switch {
	case bEnd <= a.Position:
		a.Position -= b.Length
	case aEnd <= b.Position:
	default:
		overlap := minInt(aEnd, bEnd) - maxInt(a.Position, b.Position)
		a.Length -= maxInt(overlap, 0)
		a.Position = minInt(a.Position, b.Position)
	}
	return a
}

// TransformBatch transforms the sequence local against the sequence remote,
// both produced against the same version. It returns local' (applicable after
// remote) and remote' (applicable after local). Positions inside each
// sequence keep their sequential meaning. A delete whose range contains a
// concurrent insertion point is split in two so the inserted text survives
// on both sides.
func TransformBatch(local, remote []Operation) (localPrime, remotePrime []Operation) {
	return transformSeq(local, remote)
}

func transformSeq(a, b []Operation) ([]Operation, []Operation) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return append([]Operation(nil), a...), append([]Operation(nil), b...)
	case len(a) == 1 && len(b) == 1:
		return transformPieces(a[0], b[0]), transformPieces(b[0], a[0])
	case len(a) > 1:
		head, b1 := transformSeq(a[:1], b)
		rest, b2 := transformSeq(a[1:], b1)
		return append(head, rest...), b2
	default:
		a1, head := transformSeq(a, b[:1])
		a2, rest := transformSeq(a1, b[1:])
		return a2, append(head, rest...)
	}
}

// transformPieces is Transform, except that a delete around an insertion
// point is split into the parts before and after the inserted text.
func transformPieces(a, b Operation) []Operation {
	if a.Kind == Delete && b.Kind == Insert && b.Span() > 0 &&
		b.Position > a.Position && b.Position < a.Position+a.Length {
		before := b.Position - a.Position
		first := a
		first.Length = before
		second := a
		second.Position = a.Position + b.Span()
		second.Length = a.Length - before
		return []Operation{first, second}
	}
	return []Operation{Transform(a, b)}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
