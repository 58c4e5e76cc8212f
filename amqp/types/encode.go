// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

func emit(w io.Writer, b ...byte) error {
	_, err := w.Write(b)
	return err
}

// WriteNull writes a null value.
func WriteNull(w io.Writer) error {
	return emit(w, CodeNull)
}

// WriteBool writes a boolean using the compact true/false constructors.
func WriteBool(w io.Writer, v bool) error {
	if v {
		return emit(w, CodeBoolTrue)
	}
	return emit(w, CodeBoolFalse)
}

// WriteUbyte writes an unsigned byte.
func WriteUbyte(w io.Writer, v uint8) error {
	return emit(w, CodeUbyte, v)
}

// WriteUshort writes an unsigned 16-bit integer.
func WriteUshort(w io.Writer, v uint16) error {
	return emit(w, CodeUshort, byte(v>>8), byte(v))
}

// WriteUint writes an unsigned 32-bit integer, preferring the uint0 and
// smalluint encodings.
func WriteUint(w io.Writer, v uint32) error {
	switch {
	case v == 0:
		return emit(w, CodeUint0)
	case v <= 255:
		return emit(w, CodeUintSmall, byte(v))
	default:
		return emit(w, binary.BigEndian.AppendUint32([]byte{CodeUint}, v)...)
	}
}

// WriteUlong writes an unsigned 64-bit integer, preferring the ulong0 and
// smallulong encodings.
func WriteUlong(w io.Writer, v uint64) error {
	switch {
	case v == 0:
		return emit(w, CodeUlong0)
	case v <= 255:
		return emit(w, CodeUlongSmall, byte(v))
	default:
		return emit(w, binary.BigEndian.AppendUint64([]byte{CodeUlong}, v)...)
	}
}

// WriteByte writes a signed byte.
func WriteByte(w io.Writer, v int8) error {
	return emit(w, CodeByte, byte(v))
}

// WriteShort writes a signed 16-bit integer.
func WriteShort(w io.Writer, v int16) error {
	return emit(w, CodeShort, byte(uint16(v)>>8), byte(v))
}

// WriteInt writes a signed 32-bit integer, preferring the smallint encoding.
func WriteInt(w io.Writer, v int32) error {
	if v >= -128 && v <= 127 {
		return emit(w, CodeIntSmall, byte(v))
	}
	return emit(w, binary.BigEndian.AppendUint32([]byte{CodeInt}, uint32(v))...)
}

// WriteLong writes a signed 64-bit integer, preferring the smalllong encoding.
func WriteLong(w io.Writer, v int64) error {
	if v >= -128 && v <= 127 {
		return emit(w, CodeLongSmall, byte(v))
	}
	return emit(w, binary.BigEndian.AppendUint64([]byte{CodeLong}, uint64(v))...)
}

// WriteFloat writes a 32-bit IEEE 754 float.
func WriteFloat(w io.Writer, v float32) error {
	return emit(w, binary.BigEndian.AppendUint32([]byte{CodeFloat}, math.Float32bits(v))...)
}

// WriteDouble writes a 64-bit IEEE 754 double.
func WriteDouble(w io.Writer, v float64) error {
	return emit(w, binary.BigEndian.AppendUint64([]byte{CodeDouble}, math.Float64bits(v))...)
}

// WriteTimestamp writes a timestamp as milliseconds since the Unix epoch.
func WriteTimestamp(w io.Writer, v Timestamp) error {
	return emit(w, binary.BigEndian.AppendUint64([]byte{CodeTimestamp}, uint64(v.Milliseconds()))...)
}

// WriteUUID writes a 16-byte UUID.
func WriteUUID(w io.Writer, v UUID) error {
	if err := emit(w, CodeUUID); err != nil {
		return err
	}
	_, err := w.Write(v[:])
	return err
}

func writeVariable(w io.Writer, code8, code32 byte, b []byte) error {
	if len(b) <= 255 {
		if err := emit(w, code8, byte(len(b))); err != nil {
			return err
		}
	} else {
		if err := emit(w, binary.BigEndian.AppendUint32([]byte{code32}, uint32(len(b)))...); err != nil {
			return err
		}
	}
	_, err := w.Write(b)
	return err
}

// WriteBinary writes a binary value.
func WriteBinary(w io.Writer, v []byte) error {
	return writeVariable(w, CodeBinary8, CodeBinary32, v)
}

// WriteString writes a UTF-8 string.
func WriteString(w io.Writer, v string) error {
	return writeVariable(w, CodeString8, CodeString32, []byte(v))
}

// WriteSymbol writes a symbolic value.
func WriteSymbol(w io.Writer, v Symbol) error {
	return writeVariable(w, CodeSymbol8, CodeSymbol32, []byte(v))
}

// WriteDescriptor writes a described type constructor with a ulong descriptor.
func WriteDescriptor(w io.Writer, code uint64) error {
	if err := emit(w, CodeDescribed); err != nil {
		return err
	}
	return WriteUlong(w, code)
}

// WriteList writes a list from pre-encoded field bytes and a field count.
func WriteList(w io.Writer, fields []byte, count int) error {
	if count == 0 && len(fields) == 0 {
		return emit(w, CodeList0)
	}
	// list32: size includes the 4-byte count
	hdr := []byte{CodeList32}
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(fields))+4)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(count))
	if err := emit(w, hdr...); err != nil {
		return err
	}
	_, err := w.Write(fields)
	return err
}

// WriteMap writes a map from pre-encoded alternating key/value bytes.
// count is the number of key-value pairs.
func WriteMap(w io.Writer, pairs []byte, count int) error {
	hdr := []byte{CodeMap32}
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(pairs))+4)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(count*2))
	if err := emit(w, hdr...); err != nil {
		return err
	}
	_, err := w.Write(pairs)
	return err
}

// WriteArray writes an array of uniformly-typed pre-encoded elements.
func WriteArray(w io.Writer, elemCode byte, elems []byte, count int) error {
	hdr := []byte{CodeArray32}
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(elems))+5)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(count))
	hdr = append(hdr, elemCode)
	if err := emit(w, hdr...); err != nil {
		return err
	}
	_, err := w.Write(elems)
	return err
}

// WriteAny writes a Go value as the matching AMQP type.
func WriteAny(w io.Writer, v any) error {
	if v == nil {
		return WriteNull(w)
	}
	switch val := v.(type) {
	case bool:
		return WriteBool(w, val)
	case uint8:
		return WriteUbyte(w, val)
	case uint16:
		return WriteUshort(w, val)
	case uint32:
		return WriteUint(w, val)
	case uint64:
		return WriteUlong(w, val)
	case int8:
		return WriteByte(w, val)
	case int16:
		return WriteShort(w, val)
	case int32:
		return WriteInt(w, val)
	case int64:
		return WriteLong(w, val)
	case int:
		return WriteLong(w, int64(val))
	case float32:
		return WriteFloat(w, val)
	case float64:
		return WriteDouble(w, val)
	case string:
		return WriteString(w, val)
	case Symbol:
		return WriteSymbol(w, val)
	case []byte:
		return WriteBinary(w, val)
	case UUID:
		return WriteUUID(w, val)
	case Timestamp:
		return WriteTimestamp(w, val)
	default:
		return fmt.Errorf("unsupported type: %T", v)
	}
}

// WriteSymbolMultiple writes an AMQP "multiple symbol" value: a bare symbol
// for a single element, an array of symbols otherwise.
func WriteSymbolMultiple(w io.Writer, symbols []Symbol) error {
	switch len(symbols) {
	case 0:
		return WriteNull(w)
	case 1:
		return WriteSymbol(w, symbols[0])
	}
	elemCode := CodeSymbol8
	for _, s := range symbols {
		if len(s) > 255 {
			elemCode = CodeSymbol32
			break
		}
	}
	var elems bytes.Buffer
	for _, s := range symbols {
		if elemCode == CodeSymbol8 {
			elems.WriteByte(byte(len(s)))
		} else {
			elems.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s))))
		}
		elems.WriteString(string(s))
	}
	return WriteArray(w, elemCode, elems.Bytes(), len(symbols))
}

// WriteStringAnyMap writes a map with string keys and arbitrary values.
func WriteStringAnyMap(w io.Writer, m map[string]any) error {
	var pairs bytes.Buffer
	for k, v := range m {
		if err := WriteString(&pairs, k); err != nil {
			return err
		}
		if err := WriteAny(&pairs, v); err != nil {
			return err
		}
	}
	return WriteMap(w, pairs.Bytes(), len(m))
}
