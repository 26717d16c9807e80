package ot

import (
	"encoding/json"
	"fmt"
)

type jsonOperation struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// MarshalJSON encodes the operation in its wire shape,
// {"type":"insert","position":3,"text":"x"}.
func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonOperation{
		Type:     op.Kind.String(),
		Position: op.Position,
		Text:     op.Text,
		Length:   op.Length,
	})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var j jsonOperation
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	kind, ok := ParseKind(j.Type)
	if !ok && j.Type != KindNoop.String() {
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, j.Type)
	}
	*op = Operation{Kind: kind, Position: j.Position, Text: j.Text, Length: j.Length}
	return nil
}
