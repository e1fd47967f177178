// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package json provides the JSON codec used by the operator RPC services.
package json

import (
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// NewCodec returns a JSON-RPC 2.0 codec for gorilla/rpc services.
func NewCodec() rpc.Codec {
	return json2.NewCodec()
}
