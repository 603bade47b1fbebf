package blockpatch

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"blockweave/internal/blockcrdt"
)

// mpHandle configures the msgpack codec once; codec.Handle is safe for
// concurrent use across many Encoder/Decoder instances. Canonical mode
// encodes map keys in sorted order so equal patches encode identically.
var mpHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	return h
}()

// EncodeCompact serializes a patch to the compact binary wire form used
// for the sync transport path, where verbose JSON field names would
// otherwise dominate the payload on a document with a long oplog.
func EncodeCompact(p *Patch) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(p); err != nil {
		return nil, blockcrdt.ErrSerialization{Err: err}
	}
	return buf.Bytes(), nil
}

// DecodeCompact parses a patch from its compact binary wire form.
func DecodeCompact(data []byte) (*Patch, error) {
	var p Patch
	dec := codec.NewDecoder(bytes.NewReader(data), mpHandle)
	if err := dec.Decode(&p); err != nil {
		return nil, blockcrdt.ErrSerialization{Err: err}
	}
	return &p, nil
}

// EncodeOpsCompact is a convenience wrapper for serializing a bare op batch
// (e.g. from Document.OpsSince) without constructing a Patch envelope.
func EncodeOpsCompact(ops []blockcrdt.Op) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(ops); err != nil {
		return nil, blockcrdt.ErrSerialization{Err: err}
	}
	return buf.Bytes(), nil
}

// DecodeOpsCompact parses a bare op batch produced by EncodeOpsCompact.
func DecodeOpsCompact(data []byte) ([]blockcrdt.Op, error) {
	var ops []blockcrdt.Op
	dec := codec.NewDecoder(bytes.NewReader(data), mpHandle)
	if err := dec.Decode(&ops); err != nil {
		return nil, blockcrdt.ErrSerialization{Err: err}
	}
	return ops, nil
}
