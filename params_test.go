package meshwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValidates(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
}

func TestValidateRejectsEmptyMsgSizeList(t *testing.T) {
	p := DefaultParams()
	p.MsgSizeList = nil
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, IsCode(err, InvalidParam))
}

func TestValidateRejectsZeroMaxOutstanding(t *testing.T) {
	p := DefaultParams()
	p.MaxOutstanding = 0
	assert.True(t, IsCode(p.Validate(), InvalidParam))
}

func TestValidateRejectsZeroThreadCount(t *testing.T) {
	p := DefaultParams()
	p.ThreadCount = 0
	assert.True(t, IsCode(p.Validate(), InvalidParam))
}

func TestValidateAcceptsStrideEqualToMaxSize(t *testing.T) {
	p := DefaultParams()
	p.MsgSizeList = []uint64{8, 16, 32}
	p.IOVStride = 32
	assert.NoError(t, p.Validate())
}

func TestValidateRejectsStrideBelowMaxSize(t *testing.T) {
	p := DefaultParams()
	p.MsgSizeList = []uint64{8, 16, 32}
	p.IOVStride = 16
	assert.True(t, IsCode(p.Validate(), InvalidParam))
}

func TestCommandStringCoversAllValues(t *testing.T) {
	cases := map[Command]string{
		CommandAM:    "AM",
		CommandPut:   "PUT",
		CommandGet:   "GET",
		CommandAdd:   "ADD",
		CommandFAdd:  "FADD",
		CommandSwap:  "SWAP",
		CommandCSwap: "CSWAP",
		CommandTag:   "TAG",
	}
	for cmd, want := range cases {
		assert.Equal(t, want, cmd.String())
	}
	assert.Equal(t, "UNKNOWN", Command(999).String())
}

func TestFlagsHasChecksBitMembership(t *testing.T) {
	f := FlagVerbose | FlagOneSided
	assert.True(t, f.has(FlagVerbose))
	assert.True(t, f.has(FlagOneSided))
	assert.False(t, f.has(FlagMapNonblock))
}
