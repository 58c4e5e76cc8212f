// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, write func(w *bytes.Buffer) error, expected any) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, write(&buf))
	got, err := ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestScalars(t *testing.T) {
	roundTrip(t, func(w *bytes.Buffer) error { return WriteNull(w) }, nil)
	roundTrip(t, func(w *bytes.Buffer) error { return WriteBool(w, true) }, true)
	roundTrip(t, func(w *bytes.Buffer) error { return WriteBool(w, false) }, false)
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUbyte(w, 255) }, uint8(255))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUshort(w, 65535) }, uint16(65535))
}

func TestUintEncodings(t *testing.T) {
	// uint0, smalluint and full-width encodings
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUint(w, 0) }, uint32(0))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUint(w, 200) }, uint32(200))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUint(w, 70000) }, uint32(70000))
}

func TestUlongEncodings(t *testing.T) {
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUlong(w, 0) }, uint64(0))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUlong(w, 200) }, uint64(200))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUlong(w, 1<<40) }, uint64(1<<40))
}

func TestSignedIntegers(t *testing.T) {
	roundTrip(t, func(w *bytes.Buffer) error { return WriteByte(w, -128) }, int8(-128))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteShort(w, -32768) }, int16(-32768))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteInt(w, -100) }, int32(-100))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteInt(w, 1<<20) }, int32(1<<20))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteLong(w, -5) }, int64(-5))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteLong(w, 1<<50) }, int64(1<<50))
}

func TestVariableWidth(t *testing.T) {
	roundTrip(t, func(w *bytes.Buffer) error { return WriteString(w, "hello") }, "hello")
	roundTrip(t, func(w *bytes.Buffer) error { return WriteSymbol(w, "amqp:link:stolen") }, Symbol("amqp:link:stolen"))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteBinary(w, []byte{0xDE, 0xAD}) }, []byte{0xDE, 0xAD})

	long := bytes.Repeat([]byte{'x'}, 300)
	roundTrip(t, func(w *bytes.Buffer) error { return WriteString(w, string(long)) }, string(long))
	roundTrip(t, func(w *bytes.Buffer) error { return WriteBinary(w, long) }, long)
}

func TestTimestamp(t *testing.T) {
	ts := TimestampFromMillis(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli())
	var buf bytes.Buffer
	require.NoError(t, WriteTimestamp(&buf, ts))
	got, err := ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, ts.Milliseconds(), got.(Timestamp).Milliseconds())
}

func TestUUID(t *testing.T) {
	u := UUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	roundTrip(t, func(w *bytes.Buffer) error { return WriteUUID(w, u) }, u)
}

func TestDescribedList(t *testing.T) {
	var fields bytes.Buffer
	require.NoError(t, WriteString(&fields, "container"))
	require.NoError(t, WriteUint(&fields, 42))

	var buf bytes.Buffer
	require.NoError(t, WriteDescriptor(&buf, 0x10))
	require.NoError(t, WriteList(&buf, fields.Bytes(), 2))

	descriptor, got, err := ReadListFields(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), descriptor)
	require.Len(t, got, 2)
	assert.Equal(t, "container", got[0])
	assert.Equal(t, uint32(42), got[1])
}

func TestEmptyList(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteList(&buf, nil, 0))
	got, err := ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, []any{}, got)
}

func TestStringAnyMap(t *testing.T) {
	m := map[string]any{"id": "u1", "seq": uint32(7)}
	var buf bytes.Buffer
	require.NoError(t, WriteStringAnyMap(&buf, m))
	got, err := ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, map[any]any{"id": "u1", "seq": uint32(7)}, got)
}

func TestSymbolMultiple(t *testing.T) {
	// One element encodes as a bare symbol.
	var buf bytes.Buffer
	require.NoError(t, WriteSymbolMultiple(&buf, []Symbol{"PLAIN"}))
	got, err := ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, Symbol("PLAIN"), got)

	// Several elements encode as an array.
	buf.Reset()
	require.NoError(t, WriteSymbolMultiple(&buf, []Symbol{"PLAIN", "ANONYMOUS"}))
	got, err = ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, []any{Symbol("PLAIN"), Symbol("ANONYMOUS")}, got)
}

func TestWriteAnyUnsupported(t *testing.T) {
	var buf bytes.Buffer
	err := WriteAny(&buf, struct{}{})
	require.Error(t, err)
}
