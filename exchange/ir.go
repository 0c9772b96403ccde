package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/sebastianwelsh/modex/exchange/omap"
)

// reservedRootKeys are dropped from root on load. "blocks" and "index"
// are included defensively even though the decoder already
// special-cases them before they would ever reach root.
var reservedRootKeys = map[string]bool{
	"_blockNames":         true,
	"_quantityKinds":      true,
	"_relationships":      true,
	"_supers":             true,
	"_abstractBlockTypes": true,
	"blocks":              true,
	"index":               true,
	"migrated":            true,
	"issues":              true,
}

// Block is an ordered string-keyed field map: either the root map or the
// field map of a single block entry in ModelIR.Blocks.
type Block = omap.Map[any]

// ModelIR is one Node's canonical in-memory/on-disk model representation.
//
// Root, Blocks, and Index are all insertion-order preserving: iteration
// order is deterministic and is the order keys were first inserted,
// which on load is the order they appeared in the JSON file.
type ModelIR struct {
	Root   *Block
	Blocks *omap.Map[*Block]
	Index  *omap.Map[[]string]
}

// NewModelIR returns an empty ModelIR.
func NewModelIR() *ModelIR {
	return &ModelIR{
		Root:   omap.New[any](),
		Blocks: omap.New[*Block](),
		Index:  omap.New[[]string](),
	}
}

// BlockIDsOfType recursively expands typeName's index entry into concrete
// block ids, following abstract/recursive type entries until only
// concrete block ids remain. Returns ErrBlockTypeNotFound if typeName has
// no index entry.
func (ir *ModelIR) BlockIDsOfType(typeName string) ([]string, error) {
	return ir.blockIDsOfType(typeName, make(map[string]bool))
}

func (ir *ModelIR) blockIDsOfType(typeName string, seen map[string]bool) ([]string, error) {
	if seen[typeName] {
		// A cycle in the index (type A refers to type B refers back to A)
		// would otherwise recurse forever; treat it as contributing no
		// further concrete ids rather than looping.
		return nil, nil
	}
	seen[typeName] = true

	entries, ok := ir.Index.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBlockTypeNotFound, typeName)
	}

	var result []string
	for _, idOrType := range entries {
		if ir.Blocks.Has(idOrType) {
			result = append(result, idOrType)
			continue
		}
		nested, err := ir.blockIDsOfType(idOrType, seen)
		if err != nil {
			return nil, err
		}
		result = append(result, nested...)
	}
	return result, nil
}

// CloneModelIR returns a deep-enough copy of ir: every Block is a fresh
// *omap.Map with its own key order and value slots, so mutating the
// clone (or the original) never affects the other. Used by the round
// loop to snapshot a destination Node's IR before applying a
// Translation's operations, so the resulting Changed diff is computed
// against what was actually on disk rather than against the mutated
// in-memory copy.
func CloneModelIR(ir *ModelIR) *ModelIR {
	clone := NewModelIR()
	ir.Root.Range(func(k string, v any) bool {
		clone.Root.Set(k, v)
		return true
	})
	ir.Blocks.Range(func(id string, b *Block) bool {
		nb := omap.New[any]()
		b.Range(func(k string, v any) bool {
			nb.Set(k, v)
			return true
		})
		clone.Blocks.Set(id, nb)
		return true
	})
	ir.Index.Range(func(typeName string, entries []string) bool {
		cp := make([]string, len(entries))
		copy(cp, entries)
		clone.Index.Set(typeName, cp)
		return true
	})
	return clone
}

// BlockByID returns the block with the given id.
func (ir *ModelIR) BlockByID(blockID string) (*Block, error) {
	b, ok := ir.Blocks.Get(blockID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBlockNotFound, blockID)
	}
	return b, nil
}

// FilterBlocks returns every block (in Blocks' insertion order) whose
// field key equals value.
func (ir *ModelIR) FilterBlocks(key string, value any) []*Block {
	var result []*Block
	ir.Blocks.Range(func(_ string, b *Block) bool {
		if v, ok := b.Get(key); ok && ValuesEqual(v, value) {
			result = append(result, b)
		}
		return true
	})
	return result
}

// GetFirstBlockWhere returns the first block (in Blocks' insertion order)
// for which every key/value pair in criteria is present and equal. A
// block missing any one of the criteria keys does not match, even if the
// keys it does have all match.
func (ir *ModelIR) GetFirstBlockWhere(criteria map[string]any) (*Block, error) {
	var found *Block
	ir.Blocks.Range(func(_ string, b *Block) bool {
		for k, v := range criteria {
			fv, ok := b.Get(k)
			if !ok || !ValuesEqual(fv, v) {
				return true // keep scanning
			}
		}
		found = b
		return false
	})
	if found == nil {
		return nil, ErrNoBlockMatchingFilter
	}
	return found, nil
}

// DecodeModelIR reads the on-disk IR JSON format from r: a top-level
// object whose "blocks" and "index" keys are reserved, and whose
// remaining keys (minus reservedRootKeys) become Root.
//
// Ordering is preserved using json.Decoder's token stream rather than
// encoding/json's map-based Unmarshal, which does not remember key order.
// No third-party JSON library in the retrieved example repositories
// exposes an order-preserving object decode; see DESIGN.md.
func DecodeModelIR(r io.Reader) (*ModelIR, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("exchange: reading ir: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("exchange: ir root must be a json object")
	}

	ir := NewModelIR()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)

		val, err := decodeJSONValue(dec)
		if err != nil {
			return nil, fmt.Errorf("exchange: decoding %q: %w", key, err)
		}

		switch key {
		case "blocks":
			obj, ok := val.(*Block)
			if !ok {
				return nil, fmt.Errorf("exchange: \"blocks\" must be a json object")
			}
			obj.Range(func(id string, v any) bool {
				block, ok := v.(*Block)
				if !ok {
					block = omap.New[any]()
				}
				ir.Blocks.Set(id, block)
				return true
			})
		case "index":
			obj, ok := val.(*Block)
			if !ok {
				return nil, fmt.Errorf("exchange: \"index\" must be a json object")
			}
			obj.Range(func(typeName string, v any) bool {
				arr, _ := v.([]any)
				list := make([]string, 0, len(arr))
				for _, e := range arr {
					if s, ok := e.(string); ok {
						list = append(list, s)
					}
				}
				ir.Index.Set(typeName, list)
				return true
			})
		default:
			if !reservedRootKeys[key] {
				ir.Root.Set(key, val)
			}
		}
	}

	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return ir, nil
}

// decodeJSONValue reads one JSON value from dec's token stream, decoding
// objects into *Block (so key order survives) and arrays into []any.
func decodeJSONValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := omap.New[any]()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return nil, err
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("exchange: unexpected json delimiter %q", t)
		}
	default:
		return tok, nil // bool, string, json.Number, or nil
	}
}

// EncodeModelIR writes ir to w in the on-disk IR format: root fields
// first in insertion order, then "blocks", then "index", pretty
// printed. A save-then-load cycle reproduces the same IR modulo the
// reserved root keys dropped on load.
func EncodeModelIR(w io.Writer, ir *ModelIR) (err error) {
	defer func() {
		if r := recover(); r != nil {
			encodeErr, ok := r.(error)
			if !ok {
				panic(r)
			}
			err = encodeErr
		}
	}()

	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	ir.Root.Range(func(k string, v any) bool {
		writeSeparator(&buf, &first)
		writeJSONKey(&buf, k)
		if err := writeJSONValue(&buf, v); err != nil {
			// writeJSONValue only errors on marshal failure of a leaf
			// value; surface it by panicking out of Range, caught by the
			// deferred recover above and returned as the error.
			panic(err)
		}
		return true
	})

	writeSeparator(&buf, &first)
	writeJSONKey(&buf, "blocks")
	buf.WriteByte('{')
	blocksFirst := true
	ir.Blocks.Range(func(id string, b *Block) bool {
		writeSeparator(&buf, &blocksFirst)
		writeJSONKey(&buf, id)
		if err := writeJSONValue(&buf, b); err != nil {
			panic(err)
		}
		return true
	})
	buf.WriteByte('}')

	writeSeparator(&buf, &first)
	writeJSONKey(&buf, "index")
	buf.WriteByte('{')
	indexFirst := true
	ir.Index.Range(func(typeName string, entries []string) bool {
		writeSeparator(&buf, &indexFirst)
		writeJSONKey(&buf, typeName)
		if err := writeJSONValue(&buf, entries); err != nil {
			panic(err)
		}
		return true
	})
	buf.WriteByte('}')

	buf.WriteByte('}')

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, buf.Bytes(), "", "  "); err != nil {
		return fmt.Errorf("exchange: pretty-printing ir: %w", err)
	}
	_, err = w.Write(pretty.Bytes())
	return err
}

func writeSeparator(buf *bytes.Buffer, first *bool) {
	if !*first {
		buf.WriteByte(',')
	}
	*first = false
}

func writeJSONKey(buf *bytes.Buffer, key string) {
	encoded, _ := jsoniter.Marshal(key)
	buf.Write(encoded)
	buf.WriteByte(':')
}

// writeJSONValue recurses into *Block (preserving field order) and
// []any/[]string (preserving element order), delegating leaf-value
// encoding to jsoniter for speed — the same library the pack's aistore
// repos use to marshal heterogeneous JSON payloads (see DESIGN.md).
func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case *Block:
		buf.WriteByte('{')
		first := true
		var encodeErr error
		val.Range(func(k string, fv any) bool {
			writeSeparator(buf, &first)
			writeJSONKey(buf, k)
			if err := writeJSONValue(buf, fv); err != nil {
				encodeErr = err
				return false
			}
			return true
		})
		buf.WriteByte('}')
		return encodeErr
	case []any:
		buf.WriteByte('[')
		for i, el := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case []string:
		buf.WriteByte('[')
		for i, el := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := jsoniter.Marshal(el)
			if err != nil {
				return err
			}
			buf.Write(encoded)
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := jsoniter.Marshal(val)
		if err != nil {
			return fmt.Errorf("exchange: marshaling value: %w", err)
		}
		buf.Write(encoded)
		return nil
	}
}
