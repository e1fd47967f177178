// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package tree

import (
	"errors"
	"math"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
)

const codecVersion = 0

var Codec codec.Manager

func init() {
	Codec = codec.NewManager(math.MaxInt)
	lc := linearcodec.NewDefault()

	err := errors.Join(
		lc.RegisterType(&AddLeafOp{}),
		lc.RegisterType(&RemoveLeafOp{}),
		lc.RegisterType(&UpdatePolicyOp{}),
		lc.RegisterType(&RotateEpochOp{}),
		lc.RegisterType(&RefreshPolicyOp{}),
		lc.RegisterType(&DeviceRekeyOp{}),
		Codec.RegisterCodec(codecVersion, lc),
	)
	if err != nil {
		panic(err)
	}
}

// MarshalOperation serializes an operation for inclusion in a fact body.
func MarshalOperation(op *Operation) ([]byte, error) {
	return Codec.Marshal(codecVersion, op)
}

// UnmarshalOperation is the inverse of MarshalOperation.
func UnmarshalOperation(b []byte) (*Operation, error) {
	op := &Operation{}
	if _, err := Codec.Unmarshal(b, op); err != nil {
		return nil, err
	}
	return op, nil
}
