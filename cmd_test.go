// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommandACMDExtendedIndex(t *testing.T) {
	desc, err := BuildCommand(ACMDBase+AcmdSendOpCondSD, 0x40FF8000, CardSDv2Std)
	require.NoError(t, err)
	assert.Equal(t, uint32(AcmdSendOpCondSD), desc.Index)
	assert.True(t, desc.IsAppCmd)
	assert.Equal(t, RspR3, desc.Response)
}

func TestBuildCommandResponseShapeDiffersByFamily(t *testing.T) {
	sdCmd8, err := BuildCommand(CmdSendIfCondOrExtCSD, 0x1AA, CardSDv2Std)
	require.NoError(t, err)
	assert.Equal(t, RspR7, sdCmd8.Response)
	assert.False(t, sdCmd8.Flags.StartsData)

	mmcCmd8, err := BuildCommand(CmdSendIfCondOrExtCSD, 0, CardMMCHC)
	require.NoError(t, err)
	assert.Equal(t, RspR1, mmcCmd8.Response)
	assert.True(t, mmcCmd8.Flags.StartsData)

	_, err = BuildCommand(CmdSendOpCondMMC, 0, CardSDv2Std)
	assert.Error(t, err, "CMD1 is MMC-only and must be rejected for SD")
}

func TestBuildCommandDataFlagRules(t *testing.T) {
	read, err := BuildCommand(CmdReadSingleBlock, 0, CardSDv2HC)
	require.NoError(t, err)
	assert.True(t, read.Flags.StartsData)
	assert.Equal(t, DataCardToHost, read.Data)

	stop, err := BuildCommand(CmdStopTransmission, 0, CardSDv2HC)
	require.NoError(t, err)
	assert.True(t, stop.Flags.StopsData)

	idle, err := BuildCommand(CmdGoIdleState, 0, CardSDv2HC)
	require.NoError(t, err)
	assert.True(t, idle.Flags.NeedsInitSeq)
}

func TestCardStateFromStatus(t *testing.T) {
	status := uint32(CardStateTransfer) << 9
	assert.Equal(t, CardStateTransfer, CardStateFromStatus(status))
}

func TestAppCmdAccepted(t *testing.T) {
	assert.True(t, appCmdAccepted(1<<5))
	assert.False(t, appCmdAccepted(0))
}
