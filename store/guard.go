package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Verdict is the outcome of checking one persisted collection.
type Verdict int

const (
	// Intact means the blob may be decoded as a list of records.
	Intact Verdict = iota
	// Corrupt means the blob is a list whose first element is a bare string,
	// the signature of an older, incompatible layout. It must be replaced by
	// an empty list.
	Corrupt
)

func (v Verdict) String() string {
	if v == Corrupt {
		return "corrupt"
	}
	return "intact"
}

// CheckIntegrity inspects a persisted collection blob. An unparseable blob is
// an error, not corruption: the caller reports it and leaves the stored value
// alone.
func CheckIntegrity(raw []byte) (Verdict, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Intact, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return Intact, fmt.Errorf("persisted collection is not a list: %w", err)
	}
	if len(elems) == 0 {
		return Intact, nil
	}
	first := bytes.TrimSpace(elems[0])
	if len(first) > 0 && first[0] == '"' {
		return Corrupt, nil
	}
	return Intact, nil
}
