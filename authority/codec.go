// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package authority

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
		lc.RegisterType(&Delegation{}),
		lc.RegisterType(&Revocation{}),
		lc.RegisterType(&RecoveryCapability{}),
		Codec.RegisterCodec(codecVersion, lc),
	)
	if err != nil {
		panic(err)
	}
}
