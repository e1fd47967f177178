// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package journal

import (
	"errors"
	"math"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"

	"github.com/auranet/aura/tree"
)

const codecVersion = 0

var Codec codec.Manager

func init() {
	Codec = codec.NewManager(math.MaxInt)
	lc := linearcodec.NewDefault()

	err := errors.Join(
		// Content variants, in wire-tag order. Appending is safe; reordering
		// breaks every persisted journal.
		lc.RegisterType(&AttestedOp{}),
		lc.RegisterType(&CapabilityDelegation{}),
		lc.RegisterType(&CapabilityRevocation{}),
		lc.RegisterType(&RecoveryGrant{}),
		lc.RegisterType(&ChannelCheckpoint{}),
		lc.RegisterType(&ChannelBumpProposal{}),
		lc.RegisterType(&ChannelBumpCommit{}),
		lc.RegisterType(&ChannelPolicyUpdate{}),
		lc.RegisterType(&SnapshotMarker{}),
		lc.RegisterType(&RendezvousReceipt{}),
		lc.RegisterType(&EquivocationEvidence{}),

		lc.RegisterType(&journalSnapshot{}),

		// Tree op variants, so AttestedOp's operation detail resolves under
		// this codec as well.
		lc.RegisterType(&tree.AddLeafOp{}),
		lc.RegisterType(&tree.RemoveLeafOp{}),
		lc.RegisterType(&tree.UpdatePolicyOp{}),
		lc.RegisterType(&tree.RotateEpochOp{}),
		lc.RegisterType(&tree.RefreshPolicyOp{}),
		lc.RegisterType(&tree.DeviceRekeyOp{}),
		Codec.RegisterCodec(codecVersion, lc),
	)
	if err != nil {
		panic(err)
	}
}
