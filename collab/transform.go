package collab

// Operational transformation for positional text operations.
//
// Transform rewrites an operation so it can be applied after another
// operation that was unknown when it was produced. The functions here are
// pure: they never touch session state and always return copies.

// Transform produces the form op must take when replayed after applied has
// already been committed. The second return value is false when the
// transformation leaves no viable operation (for example a delete whose
// entire range was already removed); such operations are dropped.
//
// applied must carry its assigned ServerSeq: concurrent conflicts are broken
// by server-sequence priority, and the already-committed side always wins.
func Transform(op, applied *Operation) (*Operation, bool) {
	out := op.Clone()

	switch out.Kind {
	case OpInsert:
		out.Position = transformInsertPos(out.Position, applied)
	case OpDelete:
		if !transformDeleteRange(out, applied) {
			return nil, false
		}
	case OpReplace:
		if !transformReplace(out, applied) {
			return nil, false
		}
	default:
		return nil, false
	}

	if !postTransformValid(out) {
		return nil, false
	}
	return out, true
}

// TransformAgainstHistory transforms op sequentially against every history
// entry with a server sequence greater than the op's expected sequence.
// history must be in ascending server-sequence order. The second return
// value is false when any step drops the operation.
func TransformAgainstHistory(op *Operation, history []*Operation) (*Operation, bool) {
	out := op
	for _, applied := range history {
		if applied.ServerSeq <= op.ExpectedSeq {
			continue
		}
		var ok bool
		out, ok = Transform(out, applied)
		if !ok {
			return nil, false
		}
	}
	return out, true
}

// transformInsertPos shifts an insertion point past the effect of applied.
func transformInsertPos(pos int, applied *Operation) int {
	switch applied.Kind {
	case OpInsert:
		// Equal positions break toward the committed side: it already won
		// the sequence race, so the incoming insert lands after it.
		if applied.Position <= pos {
			return pos + len(applied.Content)
		}
		return pos
	case OpDelete:
		return insertPosAfterRemoval(pos, applied.rangeStart(), applied.rangeEnd())
	case OpReplace:
		pos = insertPosAfterRemoval(pos, applied.SelStart, applied.SelEnd)
		if applied.SelStart <= pos {
			pos += len(applied.Content)
		}
		return pos
	}
	return pos
}

// insertPosAfterRemoval adjusts an insertion point for an already-removed
// range [start, end). Positions inside the removed range clamp to its start.
func insertPosAfterRemoval(pos, start, end int) int {
	if end <= pos {
		return pos - (end - start)
	}
	if start < pos {
		return start
	}
	return pos
}

// transformDeleteRange rewrites out (a delete) in place against applied.
// Returns false when the delete's range has been consumed entirely.
func transformDeleteRange(out, applied *Operation) bool {
	switch applied.Kind {
	case OpInsert:
		return deleteVsInsert(out, applied.Position, len(applied.Content))
	case OpDelete:
		return deleteVsRemoval(out, applied.rangeStart(), applied.rangeEnd())
	case OpReplace:
		if !deleteVsRemoval(out, applied.SelStart, applied.SelEnd) {
			return false
		}
		return deleteVsInsert(out, applied.SelStart, len(applied.Content))
	}
	return true
}

func deleteVsInsert(out *Operation, at, n int) bool {
	if n == 0 {
		return true
	}
	switch {
	case at <= out.Position:
		out.Position += n
	case at < out.Position+out.Length:
		// Text inserted strictly inside the range is deleted along with it.
		out.Length += n
	}
	return true
}

func deleteVsRemoval(out *Operation, start, end int) bool {
	if end <= start {
		return true
	}
	p, n := out.Position, out.Length
	switch {
	case end <= p:
		out.Position = p - (end - start)
	case start >= p+n:
		// Disjoint, after the range.
	default:
		overlapStart := max(p, start)
		overlapEnd := min(p+n, end)
		out.Length = n - (overlapEnd - overlapStart)
		if start < p {
			out.Position = start
		}
		if out.Length <= 0 {
			return false
		}
	}
	return true
}

// transformReplace rewrites out (a replace) in place against applied.
// Overlapping concurrent replaces resolve by server-sequence priority: the
// committed side keeps its text and the incoming replace degrades to an
// insert of its new content immediately after the winner's.
func transformReplace(out, applied *Operation) bool {
	if applied.Kind == OpReplace && rangesOverlap(out.SelStart, out.SelEnd, applied.SelStart, applied.SelEnd) {
		if out.Content == "" {
			return false
		}
		toInsert(out, applied.SelStart+len(applied.Content))
		return true
	}

	switch applied.Kind {
	case OpInsert:
		replaceVsInsert(out, applied.Position, len(applied.Content))
	case OpDelete:
		replaceVsRemoval(out, applied.rangeStart(), applied.rangeEnd())
	case OpReplace:
		replaceVsRemoval(out, applied.SelStart, applied.SelEnd)
		replaceVsInsert(out, applied.SelStart, len(applied.Content))
	}

	if out.SelStart == out.SelEnd {
		if out.Content == "" {
			return false
		}
		// Selection collapsed to a point; only the insertion remains.
		toInsert(out, out.SelStart)
		return true
	}
	if out.Content == "" {
		toDelete(out, out.SelStart, out.SelEnd-out.SelStart)
	}
	return true
}

func replaceVsInsert(out *Operation, at, n int) {
	if n == 0 {
		return
	}
	switch {
	case at <= out.SelStart:
		out.SelStart += n
		out.SelEnd += n
	case at < out.SelEnd:
		out.SelEnd += n
	}
}

func replaceVsRemoval(out *Operation, start, end int) {
	out.SelStart = posAfterRemoval(out.SelStart, start, end)
	out.SelEnd = posAfterRemoval(out.SelEnd, start, end)
}

// posAfterRemoval adjusts a boundary position for a removed range [start, end).
func posAfterRemoval(pos, start, end int) int {
	if end <= pos {
		return pos - (end - start)
	}
	if start < pos {
		return start
	}
	return pos
}

func rangesOverlap(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && bStart < aEnd
}

// toInsert converts out into an insert at pos, keeping its identity fields.
func toInsert(out *Operation, pos int) {
	out.Kind = OpInsert
	out.Position = pos
	out.Length = 0
	out.SelStart = 0
	out.SelEnd = 0
}

// toDelete converts out into a delete of [pos, pos+length).
func toDelete(out *Operation, pos, length int) {
	out.Kind = OpDelete
	out.Position = pos
	out.Length = length
	out.Content = ""
	out.SelStart = 0
	out.SelEnd = 0
}

// postTransformValid checks the invariants a transformed operation must keep
// before the coordinator will consider applying it.
func postTransformValid(op *Operation) bool {
	switch op.Kind {
	case OpInsert:
		return op.Position >= 0 && op.Content != ""
	case OpDelete:
		return op.Position >= 0 && op.Length > 0
	case OpReplace:
		return op.SelStart >= 0 && op.SelEnd >= op.SelStart &&
			(op.Content != "" || op.SelEnd > op.SelStart)
	}
	return false
}
