//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package wire contains the messages of the key transparency query protocol
// and their protobuf encoding.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message can not be decoded.
var ErrMalformed = errors.New("malformed message")

// Message is implemented by every message in this package.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

type appender interface {
	appendTo(b []byte) []byte
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendRepeatedBytes(b []byte, num protowire.Number, vs [][]byte) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendOptionalVarint(b []byte, num protowire.Number, v *uint64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, *v)
}

func appendMessage(b []byte, num protowire.Number, m appender) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendTo(nil))
}

// fieldFunc consumes the value of one field and returns its length. Returning
// 0 skips the field as unknown.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func parse(b []byte, field fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, err)
		} else if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func wrongType(typ protowire.Type) error {
	return fmt.Errorf("unexpected wire type %d", typ)
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, wrongType(typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte{}, v...)
	return n, nil
}

func consumeRepeatedBytes(typ protowire.Type, b []byte, dst *[][]byte) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = append(*dst, v)
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, wrongType(typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	*dst = int64(v)
	return n, err
}

func consumeUint32(typ protowire.Type, b []byte, dst *uint32) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if err == nil && v > 1<<32-1 {
		return 0, errors.New("value overflows uint32")
	}
	*dst = uint32(v)
	return n, err
}

func consumeOptionalVarint(typ protowire.Type, b []byte, dst **uint64) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = &v
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, m Message) (int, error) {
	var raw []byte
	n, err := consumeBytes(typ, b, &raw)
	if err != nil {
		return 0, err
	} else if err := m.Unmarshal(raw); err != nil {
		return 0, err
	}
	return n, nil
}
