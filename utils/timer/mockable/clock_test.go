// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package mockable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockSet(t *testing.T) {
	require := require.New(t)

	clock := Clock{}
	expected := time.Unix(1000000, 0)
	clock.Set(expected)

	require.True(clock.Faked())
	require.Equal(expected, clock.Time())
}

func TestClockAdvance(t *testing.T) {
	require := require.New(t)

	clock := Clock{}
	start := time.Unix(1000000, 0)
	clock.Set(start)
	clock.Advance(5 * time.Minute)

	require.Equal(start.Add(5*time.Minute), clock.Time())
}

func TestClockSync(t *testing.T) {
	require := require.New(t)

	clock := Clock{}
	clock.Set(time.Unix(0, 0))
	clock.Sync()

	require.False(clock.Faked())
	require.WithinDuration(time.Now(), clock.Time(), time.Second)
}
