package ot

// Transform rewrites this and other, two operations authored against the same
// document version, so that
//
//	Apply(Apply(doc, this), other') == Apply(Apply(doc, other), this')
//
// The result is not symmetric. Two inserts at the same position are ordered
// with other first, which makes the caller's argument order the tie-break.
// The server relies on this by always transforming an incoming operation
// (this) against its log entries (other) in append order, under the file lock.
func Transform(this, other Operation) (Operation, Operation) {
	switch this.Type {
	case OpInsert:
		if other.Type == OpInsert {
			return transformInsertInsert(this, other)
		}
		return transformInsertDelete(this, other)

	case OpDelete:
		if other.Type == OpInsert {
			return transformDeleteInsert(this, other)
		}
		return transformDeleteDelete(this, other)
	}

	return this, other
}

func transformInsertInsert(this, other Operation) (Operation, Operation) {
	if other.Position <= this.Position {
		return NewInsert(this.Position+other.TextLen(), this.Text), other
	}
	return this, NewInsert(other.Position+this.TextLen(), other.Text)
}

func transformInsertDelete(this, other Operation) (Operation, Operation) {
	if other.Position < this.Position {
		if other.End() <= this.Position {
			return NewInsert(this.Position-other.Length, this.Text), other
		}
		// Delete straddles the insert: anchor the insert at the delete start.
		return NewInsert(other.Position, this.Text),
			NewDelete(other.Position, other.Length-(this.Position-other.Position))
	}
	return this, NewDelete(other.Position+this.TextLen(), other.Length)
}

func transformDeleteInsert(this, other Operation) (Operation, Operation) {
	switch {
	case other.Position <= this.Position:
		return NewDelete(this.Position+other.TextLen(), this.Length), other
	case other.Position < this.End():
		// Insert lands inside the deleted range.
		return NewDelete(this.Position, other.Position-this.Position),
			NewInsert(this.Position, other.Text)
	default:
		return this, NewInsert(other.Position-this.Length, other.Text)
	}
}

func transformDeleteDelete(this, other Operation) (Operation, Operation) {
	switch {
	case other.End() <= this.Position:
		return NewDelete(this.Position-other.Length, this.Length), other

	case this.End() <= other.Position:
		return this, NewDelete(other.Position-this.Length, other.Length)

	case other.Position <= this.Position && other.End() >= this.End():
		// other swallows this
		return NewDelete(other.Position, 0), NewDelete(other.Position, other.Length-this.Length)

	case this.Position <= other.Position && this.End() >= other.End():
		// this swallows other
		return NewDelete(this.Position, this.Length-other.Length), NewDelete(this.Position, 0)

	case other.Position < this.Position:
		overlap := other.End() - this.Position
		return NewDelete(other.Position, this.Length-overlap), NewDelete(other.Position, other.Length-overlap)

	default:
		overlap := this.End() - other.Position
		return NewDelete(this.Position, this.Length-overlap),
			NewDelete(this.End()-overlap, other.Length-overlap)
	}
}
