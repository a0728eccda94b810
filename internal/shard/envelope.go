package shard

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// Envelope table layout (schema shard.fbs):
//
//	file_identifier "SHRD";
//	table Shard {
//	  tag:[ubyte];
//	  k:ushort;
//	  n:ushort;
//	  index:ushort;
//	  created:ulong;
//	  payload:[ubyte];
//	}
//	root_type Shard;
//
// Buffers are size-prefixed, like the PNM messages the node already gossips.

// EnvelopeIdentifier is the FlatBuffers file identifier for shard envelopes.
const EnvelopeIdentifier = "SHRD"

const (
	slotTag = iota
	slotK
	slotN
	slotIndex
	slotCreated
	slotPayload
	numSlots
)

// Envelope is a read-only view over an encoded shard.
type Envelope struct {
	_tab flatbuffers.Table
}

// GetSizePrefixedRootAsEnvelope returns the envelope stored in buf.
func GetSizePrefixedRootAsEnvelope(buf []byte, offset flatbuffers.UOffsetT) *Envelope {
	n := flatbuffers.GetUOffsetT(buf[offset+flatbuffers.SizeUint32:])
	x := &Envelope{}
	x.Init(buf, n+offset+flatbuffers.SizeUint32)
	return x
}

// SizePrefixedEnvelopeBufferHasIdentifier checks the size prefix and file identifier.
func SizePrefixedEnvelopeBufferHasIdentifier(buf []byte) bool {
	const idOffset = flatbuffers.SizeUint32 + flatbuffers.SizeUOffsetT
	if len(buf) < idOffset+len(EnvelopeIdentifier) {
		return false
	}
	size := flatbuffers.GetUint32(buf)
	if int(size) != len(buf)-flatbuffers.SizeUint32 {
		return false
	}
	return string(buf[idOffset:idOffset+len(EnvelopeIdentifier)]) == EnvelopeIdentifier
}

// Init points the view at buf.
func (rcv *Envelope) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *Envelope) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(rcv._tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

// TagBytes returns the raw tag.
func (rcv *Envelope) TagBytes() []byte {
	if o := rcv.field(slotTag); o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

// K returns the number of shards needed to reconstruct.
func (rcv *Envelope) K() uint16 {
	if o := rcv.field(slotK); o != 0 {
		return rcv._tab.GetUint16(o + rcv._tab.Pos)
	}
	return 0
}

// N returns the total number of shards.
func (rcv *Envelope) N() uint16 {
	if o := rcv.field(slotN); o != 0 {
		return rcv._tab.GetUint16(o + rcv._tab.Pos)
	}
	return 0
}

// Index returns this shard's position in [0, N).
func (rcv *Envelope) Index() uint16 {
	if o := rcv.field(slotIndex); o != 0 {
		return rcv._tab.GetUint16(o + rcv._tab.Pos)
	}
	return 0
}

// Created returns the publisher's creation time in unix seconds.
func (rcv *Envelope) Created() uint64 {
	if o := rcv.field(slotCreated); o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

// PayloadBytes returns the opaque payload.
func (rcv *Envelope) PayloadBytes() []byte {
	if o := rcv.field(slotPayload); o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

// EnvelopeStart begins building an envelope table.
func EnvelopeStart(builder *flatbuffers.Builder) {
	builder.StartObject(numSlots)
}

// EnvelopeAddTag adds the tag vector.
func EnvelopeAddTag(builder *flatbuffers.Builder, tag flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(slotTag, tag, 0)
}

// EnvelopeAddK adds k.
func EnvelopeAddK(builder *flatbuffers.Builder, k uint16) {
	builder.PrependUint16Slot(slotK, k, 0)
}

// EnvelopeAddN adds n.
func EnvelopeAddN(builder *flatbuffers.Builder, n uint16) {
	builder.PrependUint16Slot(slotN, n, 0)
}

// EnvelopeAddIndex adds the shard index.
func EnvelopeAddIndex(builder *flatbuffers.Builder, index uint16) {
	builder.PrependUint16Slot(slotIndex, index, 0)
}

// EnvelopeAddCreated adds the creation time.
func EnvelopeAddCreated(builder *flatbuffers.Builder, created uint64) {
	builder.PrependUint64Slot(slotCreated, created, 0)
}

// EnvelopeAddPayload adds the payload vector.
func EnvelopeAddPayload(builder *flatbuffers.Builder, payload flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(slotPayload, payload, 0)
}

// EnvelopeEnd finishes the table.
func EnvelopeEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

// FinishSizePrefixedEnvelopeBuffer finalizes the buffer with prefix and identifier.
func FinishSizePrefixedEnvelopeBuffer(builder *flatbuffers.Builder, root flatbuffers.UOffsetT) {
	builder.FinishSizePrefixedWithFileIdentifier(root, []byte(EnvelopeIdentifier))
}
