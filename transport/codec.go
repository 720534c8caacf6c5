//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package transport carries the key transparency query protocol over gRPC.
package transport

import (
	"fmt"

	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// codec encodes the messages of the wire package. It registers under the
// name "proto" because the encoding is standard protobuf, so peers see the
// usual content type.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wire.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wire.Message)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string { return "proto" }
