package replica

import (
	"encoding/json"
	"errors"
	"fmt"

	"chronicle/collab/internal/prosemirror"
)

var (
	ErrInvalidOp = errors.New("invalid operation")
	ErrStaleBase = errors.New("base version not available")
)

type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpReplace OpKind = "replace"
	OpDelete  OpKind = "delete"
	OpAttrs   OpKind = "attrs"
)

// Op is a block-level edit sent by JSON clients. Base is the replica version
// the client's view reflected when it made the edit; Index addresses the
// top-level block list as it was at Base. Attrs replaces the document node's
// attrs.
type Op struct {
	Kind  OpKind          `json:"kind"`
	Base  *uint64         `json:"base"`
	Index int             `json:"index"`
	Node  json.RawMessage `json:"node,omitempty"`
	Attrs json.RawMessage `json:"attrs,omitempty"`
}

func (op Op) validate(blocks int) error {
	switch op.Kind {
	case OpInsert:
		if op.Index < 0 || op.Index > blocks {
			return fmt.Errorf("%w: insert index %d out of range [0,%d]", ErrInvalidOp, op.Index, blocks)
		}
		return validateNode(op.Node)
	case OpReplace:
		if op.Index < 0 || op.Index >= blocks {
			return fmt.Errorf("%w: replace index %d out of range [0,%d)", ErrInvalidOp, op.Index, blocks)
		}
		return validateNode(op.Node)
	case OpDelete:
		if op.Index < 0 || op.Index >= blocks {
			return fmt.Errorf("%w: delete index %d out of range [0,%d)", ErrInvalidOp, op.Index, blocks)
		}
		return nil
	case OpAttrs:
		var attrs map[string]any
		if err := json.Unmarshal(op.Attrs, &attrs); err != nil || attrs == nil {
			return fmt.Errorf("%w: attrs must be an object", ErrInvalidOp)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
}

func validateNode(raw json.RawMessage) error {
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil || node == nil {
		return fmt.Errorf("%w: node must be an object", ErrInvalidOp)
	}
	if nodeType, _ := node["type"].(string); nodeType == "" {
		return fmt.Errorf("%w: node has no type", ErrInvalidOp)
	}
	if nodeType := node["type"]; nodeType == "doc" {
		return fmt.Errorf("%w: nested doc node", ErrInvalidOp)
	}
	return nil
}

// canonical re-encodes a JSON value with sorted keys.
func canonical(raw json.RawMessage) (string, error) {
	var value any
	if err := prosemirror.Unmarshal(raw, &value); err != nil {
		return "", err
	}
	out, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
