package table

import "errors"

// ErrDuplicateTag is returned by Add when the key is already present.
// Per spec.md §7 this is an assertion in the original design: callers
// are expected to Lookup under the same lock before calling Add, so
// seeing this error in practice indicates a caller bug or a benign
// race the caller chose to resolve by letting the loser's Add fail.
var ErrDuplicateTag = errors.New("table: duplicate key")

// ErrTableReadOnly is returned by Add and Resize on a ReadOnly table,
// such as one built by LoadReadOnly (spec.md §4.1 Persistence:
// "mutation entry points disabled"); Remove, Replace and RangeRemove
// report nothing changed instead.
var ErrTableReadOnly = errors.New("table: read-only table")
