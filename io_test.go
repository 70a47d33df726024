// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunOnceTalliesEveryAttempt exercises a transient transport failure
// followed by recovery on a single-block run: three failed attempts then a
// successful one, each tallied through onIOResult rather than only the
// terminal outcome.
func TestRunOnceTalliesEveryAttempt(t *testing.T) {
	f := newHCFakeCard(1024 * 1024)
	c := newCard(f, 0)
	require.NoError(t, c.bringUp(context.Background()))

	var ok, failed int
	c.onIOResult = func(write bool, success bool) {
		assert.True(t, write)
		if success {
			ok++
		} else {
			failed++
		}
	}

	f.failTransportN = 3
	buf := make([]byte, 512)
	require.NoError(t, c.runOnce(context.Background(), 0, 1, buf, true))

	assert.Equal(t, 3, failed)
	assert.Equal(t, 1, ok)
}

// TestRunOnceAllowsSixAttempts confirms a run is tried an initial time plus
// up to runRetryLimit retries: five transient failures still let the sixth
// attempt succeed.
func TestRunOnceAllowsSixAttempts(t *testing.T) {
	f := newHCFakeCard(1024 * 1024)
	c := newCard(f, 0)
	require.NoError(t, c.bringUp(context.Background()))

	f.failTransportN = runRetryLimit
	buf := make([]byte, 512)
	require.NoError(t, c.runOnce(context.Background(), 0, 1, buf, false))
}

// TestRunOnceExhaustsAfterSixFailures confirms the run gives up once all six
// attempts have failed, rather than trying a seventh.
func TestRunOnceExhaustsAfterSixFailures(t *testing.T) {
	f := newHCFakeCard(1024 * 1024)
	c := newCard(f, 0)
	require.NoError(t, c.bringUp(context.Background()))

	f.failTransportN = runRetryLimit + 1
	buf := make([]byte, 512)
	err := c.runOnce(context.Background(), 0, 1, buf, false)
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrorDeviceIo, de.Kind)
}

// TestRunOnceRetriesMultiBlockAfterRecovery exercises the multi-block retry
// path: a failed run followed by successful STOP_TRANSMISSION recovery must
// let the whole run retry rather than surfacing the first failure.
func TestRunOnceRetriesMultiBlockAfterRecovery(t *testing.T) {
	f := newHCFakeCard(1024 * 1024)
	c := newCard(f, 0)
	require.NoError(t, c.bringUp(context.Background()))

	// The card is idle (Transfer state) when the failed command is issued,
	// so the STOP_TRANSMISSION recovery poll clears on its first try.
	f.cardStatus = CardStateTransfer
	f.failTransportN = 1

	var attempts []bool
	c.onIOResult = func(write bool, success bool) {
		attempts = append(attempts, success)
	}

	buf := make([]byte, 2*512)
	err := c.runOnce(context.Background(), 0, 2, buf, true)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, attempts)
}
