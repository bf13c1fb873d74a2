// Package envelope wraps arbitrary values into self-describing byte blobs
// for transport between the dispatcher and its workers.
package envelope

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// SerializationError reports a value that could not be encoded. The message
// embeds the offending value's type tag.
type SerializationError struct {
	TypeTag string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cannot encode %s: %v", e.TypeTag, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Blob is an encoded value with a class-name tag, a calc-id tag and a cached
// byte length. The zero Blob decodes to nil.
type Blob struct {
	ClassName string
	CalcID    string
	Data      []byte

	compressed bool
}

var compress atomic.Bool

// SetCompression toggles zstd compression of newly wrapped blobs. Blobs
// record whether they were compressed, so readers need no coordination.
func SetCompression(on bool) { compress.Store(on) }

type payload struct {
	Value any
}

// Wrap encodes a value. The calc-id tag is taken from values implementing
// CalcIdentified (monitors do).
func Wrap(v any) (*Blob, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload{Value: v}); err != nil {
		return nil, &SerializationError{TypeTag: typeTag(v), Err: err}
	}
	b := &Blob{ClassName: typeTag(v), Data: buf.Bytes()}
	if ci, ok := v.(CalcIdentified); ok {
		b.CalcID = ci.CalcIdent()
	}
	if compress.Load() {
		b.Data = zstdEncoder.EncodeAll(b.Data, nil)
		b.compressed = true
	}
	return b, nil
}

// CalcIdentified is implemented by values carrying a calculation id tag.
type CalcIdentified interface {
	CalcIdent() string
}

// Len returns the cached byte length of the blob.
func (b *Blob) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Unwrap decodes the wrapped value.
func (b *Blob) Unwrap() (any, error) {
	if b == nil || b.Data == nil {
		return nil, nil
	}
	data := b.Data
	if b.compressed {
		var err error
		data, err = zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, &SerializationError{TypeTag: b.ClassName, Err: err}
		}
	}
	var p payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, &SerializationError{TypeTag: b.ClassName, Err: err}
	}
	return p.Value, nil
}

func (b *Blob) String() string {
	return fmt.Sprintf("<Blob %s #%s %s>", b.ClassName, b.CalcID, Humansize(int64(b.Len())))
}

// GobEncode keeps the compressed flag on the wire.
func (b *Blob) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, v := range []any{b.ClassName, b.CalcID, b.Data, b.compressed} {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (b *Blob) GobDecode(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	for _, v := range []any{&b.ClassName, &b.CalcID, &b.Data, &b.compressed} {
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	return nil
}

// WrapSequence encodes a sequence of values, deduplicating by identity:
// two references to the same value are encoded once. Comparable values are
// interned directly; non-comparable ones by the hash of their encoding.
// Values that are already blobs pass through untouched.
func WrapSequence(values []any) ([]*Blob, error) {
	byIdent := map[any]*Blob{}
	byHash := map[uint64]*Blob{}
	out := make([]*Blob, 0, len(values))
	for _, v := range values {
		if b, ok := v.(*Blob); ok {
			out = append(out, b)
			continue
		}
		if isComparable(v) {
			if b, ok := byIdent[v]; ok {
				out = append(out, b)
				continue
			}
			b, err := Wrap(v)
			if err != nil {
				return nil, err
			}
			byIdent[v] = b
			out = append(out, b)
			continue
		}
		b, err := Wrap(v)
		if err != nil {
			return nil, err
		}
		h := xxhash.Sum64(b.Data)
		if seen, ok := byHash[h]; ok {
			out = append(out, seen)
			continue
		}
		byHash[h] = b
		out = append(out, b)
	}
	return out, nil
}

// UnwrapSequence decodes a sequence of blobs.
func UnwrapSequence(blobs []*Blob) ([]any, error) {
	out := make([]any, len(blobs))
	for i, b := range blobs {
		v, err := b.Unwrap()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// KeySize is the encoded size of one key of a map value.
type KeySize struct {
	Key  string
	Size int
}

// Sizes returns the total encoded size of a value and, when the value is a
// string-keyed map, the per-key sizes sorted by decreasing size.
func Sizes(v any) (int, []KeySize, error) {
	b, err := Wrap(v)
	if err != nil {
		return 0, nil, err
	}
	var parts []KeySize
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		for _, k := range rv.MapKeys() {
			kb, err := Wrap(rv.MapIndex(k).Interface())
			if err != nil {
				return 0, nil, err
			}
			parts = append(parts, KeySize{Key: k.String(), Size: kb.Len()})
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].Size > parts[j].Size })
	}
	return b.Len(), parts, nil
}

// Humansize renders a byte count for logs.
func Humansize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func typeTag(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

func isComparable(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	switch t.Kind() {
	case reflect.Ptr, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return t.Comparable()
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)

	// concrete types commonly carried through the any-typed payload
	gob.Register(map[string]int{})
	gob.Register(map[string]int64{})
	gob.Register(map[string]float64{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register([]float64{})
}

// Register exposes gob type registration so callers can declare the concrete
// types their tasks exchange.
func Register(v any) { gob.Register(v) }
