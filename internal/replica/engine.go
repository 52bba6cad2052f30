package replica

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"

	"chronicle/collab/internal/prosemirror"
)

// Keys of the merge document. root holds the doc node without its content;
// blocks holds one canonical JSON string per top-level block.
const (
	rootKey   = "root"
	blocksKey = "blocks"
)

func newEngineDoc(root json.RawMessage, blocks []json.RawMessage) (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.Path(rootKey).Set(string(root)); err != nil {
		return nil, fmt.Errorf("set root: %w", err)
	}
	values := make([]string, len(blocks))
	for i, block := range blocks {
		values[i] = string(block)
	}
	if err := doc.Path(blocksKey).Set(values); err != nil {
		return nil, fmt.Errorf("set blocks: %w", err)
	}
	if _, err := doc.Commit("hydrate"); err != nil {
		return nil, fmt.Errorf("commit hydrate: %w", err)
	}
	return doc, nil
}

func readRoot(doc *automerge.Doc) (json.RawMessage, error) {
	root, err := automerge.As[string](doc.Path(rootKey).Get())
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	return json.RawMessage(root), nil
}

func readBlocks(doc *automerge.Doc) ([]json.RawMessage, error) {
	values, err := automerge.As[[]string](doc.Path(blocksKey).Get())
	if err != nil {
		return nil, fmt.Errorf("read blocks: %w", err)
	}
	blocks := make([]json.RawMessage, len(values))
	for i, value := range values {
		blocks[i] = json.RawMessage(value)
	}
	return blocks, nil
}

// blockList resolves the blocks list to its object. Lists obtained from a
// Path carry no object id and cannot delete.
func blockList(doc *automerge.Doc) (*automerge.List, error) {
	value, err := doc.Path(blocksKey).Get()
	if err != nil {
		return nil, fmt.Errorf("read blocks: %w", err)
	}
	if value.Kind() != automerge.KindList {
		return nil, fmt.Errorf("read blocks: found %v", value.Kind())
	}
	return value.List(), nil
}

func applyOp(doc *automerge.Doc, op Op) error {
	list, err := blockList(doc)
	if err != nil {
		return err
	}
	if err := op.validate(list.Len()); err != nil {
		return err
	}

	switch op.Kind {
	case OpInsert, OpReplace:
		node, cerr := canonical(op.Node)
		if cerr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOp, cerr)
		}
		if op.Kind == OpInsert {
			err = list.Insert(op.Index, node)
		} else {
			err = list.Set(op.Index, node)
		}
	case OpDelete:
		err = list.Delete(op.Index)
	case OpAttrs:
		err = setRootAttrs(doc, op.Attrs)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", op.Kind, err)
	}
	// a replace with identical content still has to move the heads
	if _, err := doc.Commit(string(op.Kind), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("commit %s: %w", op.Kind, err)
	}
	return nil
}

func setRootAttrs(doc *automerge.Doc, attrs json.RawMessage) error {
	raw, err := readRoot(doc)
	if err != nil {
		return err
	}
	root := map[string]any{}
	if len(raw) > 0 {
		if err := prosemirror.Unmarshal(raw, &root); err != nil {
			return fmt.Errorf("decode root: %w", err)
		}
	}
	var decoded map[string]any
	if err := prosemirror.Unmarshal(attrs, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	root["attrs"] = decoded
	encoded, err := json.Marshal(root)
	if err != nil {
		return err
	}
	return doc.Path(rootKey).Set(string(encoded))
}

// opActor names the merge-engine actor for one op. It depends only on the
// session, the base and the op, so replaying the same ops in another order
// produces the same changes and the same merge.
func opActor(sessionID string, op Op) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	encoded, _ := json.Marshal(op)
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
