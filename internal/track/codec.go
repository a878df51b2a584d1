package track

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
)

// Serialized sizes of the packed little-endian layouts shared with the
// upstream sensor fusion peers.
const (
	TrackDataSize          = 4 + 6*8 + 8
	ExtrapTrackDataSize    = TrackDataSize + 2*8
	DelayCalcTrackDataSize = ExtrapTrackDataSize + 2*8
	FinalCalcTrackDataSize = DelayCalcTrackDataSize + 3*8
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("malformed track payload")

// DecodeError reports a payload that could not be turned into a record.
type DecodeError struct {
	Type   string
	Len    int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s (%d bytes): %s", e.Type, e.Len, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the validation failure, if any.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes every DecodeError match ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Encoder turns a record into wire bytes.
type Encoder[T any] interface {
	Encode(v T) []byte
}

// Decoder turns wire bytes into a record.
type Decoder[T any] interface {
	Decode(b []byte) (T, error)
}

// Codec combines both directions for one record type.
type Codec[T any] interface {
	Encoder[T]
	Decoder[T]
}

// TrackDataCodec is the binary codec for TrackData.
type TrackDataCodec struct{}

// ExtrapTrackDataCodec is the binary codec for ExtrapTrackData.
type ExtrapTrackDataCodec struct{}

// DelayCalcTrackDataCodec is the binary codec for DelayCalcTrackData.
type DelayCalcTrackDataCodec struct{}

// FinalCalcTrackDataCodec is the binary codec for FinalCalcTrackData.
type FinalCalcTrackDataCodec struct{}

var (
	_ Codec[TrackData]          = TrackDataCodec{}
	_ Codec[ExtrapTrackData]    = ExtrapTrackDataCodec{}
	_ Codec[DelayCalcTrackData] = DelayCalcTrackDataCodec{}
	_ Codec[FinalCalcTrackData] = FinalCalcTrackDataCodec{}
)

// Encode implements Encoder.
func (TrackDataCodec) Encode(t TrackData) []byte {
	w := writer{buf: make([]byte, 0, TrackDataSize)}
	w.trackData(t)
	return w.buf
}

// Decode implements Decoder. Trailing bytes beyond TrackDataSize are ignored.
func (TrackDataCodec) Decode(b []byte) (TrackData, error) {
	if len(b) < TrackDataSize {
		return TrackData{}, shortPayload("TrackData", len(b), TrackDataSize)
	}
	r := reader{buf: b}
	t := r.trackData()
	if err := t.Validate(); err != nil {
		return TrackData{}, &DecodeError{Type: "TrackData", Len: len(b), Reason: "invalid field", Err: err}
	}
	return t, nil
}

// Encode implements Encoder.
func (ExtrapTrackDataCodec) Encode(e ExtrapTrackData) []byte {
	w := writer{buf: make([]byte, 0, ExtrapTrackDataSize)}
	w.extrap(e)
	return w.buf
}

// Decode implements Decoder.
func (ExtrapTrackDataCodec) Decode(b []byte) (ExtrapTrackData, error) {
	if len(b) < ExtrapTrackDataSize {
		return ExtrapTrackData{}, shortPayload("ExtrapTrackData", len(b), ExtrapTrackDataSize)
	}
	r := reader{buf: b}
	e := r.extrap()
	if err := e.Validate(); err != nil {
		return ExtrapTrackData{}, &DecodeError{Type: "ExtrapTrackData", Len: len(b), Reason: "invalid field", Err: err}
	}
	return e, nil
}

// Encode implements Encoder.
func (DelayCalcTrackDataCodec) Encode(d DelayCalcTrackData) []byte {
	w := writer{buf: make([]byte, 0, DelayCalcTrackDataSize)}
	w.delayCalc(d)
	return w.buf
}

// Decode implements Decoder.
func (DelayCalcTrackDataCodec) Decode(b []byte) (DelayCalcTrackData, error) {
	if len(b) < DelayCalcTrackDataSize {
		return DelayCalcTrackData{}, shortPayload("DelayCalcTrackData", len(b), DelayCalcTrackDataSize)
	}
	r := reader{buf: b}
	d := r.delayCalc()
	if err := d.Validate(); err != nil {
		return DelayCalcTrackData{}, &DecodeError{Type: "DelayCalcTrackData", Len: len(b), Reason: "invalid field", Err: err}
	}
	return d, nil
}

// Encode implements Encoder.
func (FinalCalcTrackDataCodec) Encode(f FinalCalcTrackData) []byte {
	w := writer{buf: make([]byte, 0, FinalCalcTrackDataSize)}
	w.delayCalc(f.DelayCalcTrackData)
	w.i64(f.SecondHopDelayTime)
	w.i64(f.TotalDelayTime)
	w.i64(f.ThirdHopSentTime)
	return w.buf
}

// Decode implements Decoder.
func (FinalCalcTrackDataCodec) Decode(b []byte) (FinalCalcTrackData, error) {
	if len(b) < FinalCalcTrackDataSize {
		return FinalCalcTrackData{}, shortPayload("FinalCalcTrackData", len(b), FinalCalcTrackDataSize)
	}
	r := reader{buf: b}
	f := FinalCalcTrackData{DelayCalcTrackData: r.delayCalc()}
	f.SecondHopDelayTime = r.i64()
	f.TotalDelayTime = r.i64()
	f.ThirdHopSentTime = r.i64()
	if err := f.Validate(); err != nil {
		return FinalCalcTrackData{}, &DecodeError{Type: "FinalCalcTrackData", Len: len(b), Reason: "invalid field", Err: err}
	}
	return f, nil
}

func shortPayload(typ string, got, want int) error {
	return &DecodeError{Type: typ, Len: got, Reason: fmt.Sprintf("need at least %d bytes", want)}
}

// Field order: id, velocity xyz, position xyz, then timestamps.
type writer struct {
	buf []byte
}

func (w *writer) i32(v int32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v)) }
func (w *writer) i64(v int64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }
func (w *writer) f64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *writer) vec(v Vec3) {
	w.f64(v.X)
	w.f64(v.Y)
	w.f64(v.Z)
}

func (w *writer) trackData(t TrackData) {
	w.i32(t.TrackID)
	w.vec(t.Velocity)
	w.vec(t.Position)
	w.i64(t.OriginalUpdateTime)
}

func (w *writer) extrap(e ExtrapTrackData) {
	w.trackData(TrackData{
		TrackID:            e.TrackID,
		Position:           e.Position,
		Velocity:           e.Velocity,
		OriginalUpdateTime: e.OriginalUpdateTime,
	})
	w.i64(e.UpdateTime)
	w.i64(e.FirstHopSentTime)
}

func (w *writer) delayCalc(d DelayCalcTrackData) {
	w.extrap(d.ExtrapTrackData)
	w.i64(d.FirstHopDelayTime)
	w.i64(d.SecondHopSentTime)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) i32() int32 {
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v
}

func (r *reader) i64() int64 {
	v := int64(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) f64() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) vec() Vec3 {
	return Vec3{X: r.f64(), Y: r.f64(), Z: r.f64()}
}

func (r *reader) trackData() TrackData {
	var t TrackData
	t.TrackID = r.i32()
	t.Velocity = r.vec()
	t.Position = r.vec()
	t.OriginalUpdateTime = r.i64()
	return t
}

func (r *reader) extrap() ExtrapTrackData {
	t := r.trackData()
	return ExtrapTrackData{
		TrackID:            t.TrackID,
		Position:           t.Position,
		Velocity:           t.Velocity,
		OriginalUpdateTime: t.OriginalUpdateTime,
		UpdateTime:         r.i64(),
		FirstHopSentTime:   r.i64(),
	}
}

func (r *reader) delayCalc() DelayCalcTrackData {
	d := DelayCalcTrackData{ExtrapTrackData: r.extrap()}
	d.FirstHopDelayTime = r.i64()
	d.SecondHopSentTime = r.i64()
	return d
}
