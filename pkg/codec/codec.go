// Package codec encodes and decodes replication events in the
// deterministic CBOR form the wire protocol requires: canonical map-key
// ordering, definite lengths, shortest-form integers.
package codec

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	mode, err := encOpts.EncMode()
	if err != nil {
		panic("codec: invalid canonical encoding options: " + err.Error())
	}
	encMode = mode

	decOpts := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	}
	dMode, err := decOpts.DecMode()
	if err != nil {
		panic("codec: invalid decoding options: " + err.Error())
	}
	decMode = dMode
}

// EncodeEvent canonically encodes a replication event, rejecting any
// result that would exceed the wire size cap.
func EncodeEvent(evt model.ReplicationEvent) ([]byte, error) {
	buf, err := encMode.Marshal(evt)
	if err != nil {
		return nil, errs.Internal("cbor encode", err)
	}
	if len(buf) > model.MaxReplicationEventBytes {
		return nil, errs.PayloadTooLarge("replicationEvent", len(buf), model.MaxReplicationEventBytes)
	}
	return buf, nil
}

// DecodeEvent decodes a canonically-encoded replication event, rejecting
// oversized payloads and any trailing bytes after the single CBOR value.
func DecodeEvent(data []byte) (model.ReplicationEvent, error) {
	var evt model.ReplicationEvent
	if len(data) > model.MaxReplicationEventBytes {
		return evt, errs.PayloadTooLarge("replicationEvent", len(data), model.MaxReplicationEventBytes)
	}

	dec := decMode.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&evt); err != nil {
		return evt, errs.Validation("replicationEvent", nil, "malformed cbor: "+err.Error())
	}
	if dec.NumBytesRead() != len(data) {
		return evt, errs.Validation("replicationEvent", nil, "trailing bytes after cbor value")
	}
	return evt, nil
}
