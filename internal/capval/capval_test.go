package capval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/internal/iface"
)

func fullAttr() iface.Attr {
	return iface.Attr{
		Caps: iface.CapAMShort | iface.CapAMBcopy | iface.CapAMZcopy |
			iface.CapPutShort | iface.CapPutBcopy | iface.CapPutZcopy |
			iface.CapGetBcopy | iface.CapGetZcopy |
			iface.CapAtomic32 | iface.CapAtomic64,
		MinZcopy: 1024,
		MaxShort: 64,
		MaxBcopy: 1 << 16,
		MaxZcopy: 1 << 20,
		MaxIOV:   4,
		MaxHdr:   32,
		SyncCapable: true,
	}
}

func TestValidateAMShortAccepts(t *testing.T) {
	res, err := Validate(Request{
		Command:   CommandAM,
		Layout:    LayoutShort,
		MsgSizes:  []uint64{16},
		AMHdrSize: 8,
	}, fullAttr())
	require.NoError(t, err)
	assert.Equal(t, iface.CapAMShort, res.RequiredFlags)
}

func TestValidateAMShortRejectsWrongHeaderSize(t *testing.T) {
	_, err := Validate(Request{
		Command:   CommandAM,
		Layout:    LayoutShort,
		MsgSizes:  []uint64{16},
		AMHdrSize: 4,
	}, fullAttr())
	require.Error(t, err)
	assert.True(t, IsInvalidParam(err))
}

func TestValidateAMZcopyRejectsOversizeIOVCount(t *testing.T) {
	req := Request{
		Command:  CommandAM,
		Layout:   LayoutZcopy,
		MsgSizes: []uint64{1024, 1024, 1024, 1024, 1024},
	}
	_, err := Validate(req, fullAttr())
	require.Error(t, err)
	assert.True(t, IsInvalidParam(err))
}

func TestValidateGetRejectsShortLayout(t *testing.T) {
	_, err := Validate(Request{Command: CommandGet, Layout: LayoutShort, MsgSizes: []uint64{8}}, fullAttr())
	require.Error(t, err)
	assert.True(t, IsInvalidParam(err))
}

func TestValidateUnsupportedWhenCapabilityMissing(t *testing.T) {
	attr := fullAttr()
	attr.Caps &^= iface.CapPutZcopy
	_, err := Validate(Request{
		Command:  CommandPut,
		Layout:   LayoutZcopy,
		MsgSizes: []uint64{2048},
	}, attr)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
}

func TestValidateAtomicRejectsBadSize(t *testing.T) {
	_, err := Validate(Request{Command: CommandAdd, MsgSizes: []uint64{6}}, fullAttr())
	require.Error(t, err)
	assert.True(t, IsInvalidParam(err))
}

func TestValidateAtomicAcceptsKnownSizes(t *testing.T) {
	res, err := Validate(Request{Command: CommandAdd, MsgSizes: []uint64{4}}, fullAttr())
	require.NoError(t, err)
	assert.Equal(t, iface.CapAtomic32, res.RequiredFlags)
}

func TestValidateRejectsSizeExceedingStride(t *testing.T) {
	_, err := Validate(Request{
		Command:  CommandPut,
		Layout:   LayoutBcopy,
		MsgSizes: []uint64{100},
		Stride:   50,
	}, fullAttr())
	require.Error(t, err)
	assert.True(t, IsInvalidParam(err))
}

func TestValidateVerboseIncludesDiagnostic(t *testing.T) {
	_, err := Validate(Request{
		Command:  CommandGet,
		Layout:   LayoutShort,
		MsgSizes: []uint64{8},
		Verbose:  true,
	}, fullAttr())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHORT layout")
}

func TestValidateAMWithOneSidedWarnsButProceeds(t *testing.T) {
	res, err := Validate(Request{
		Command:   CommandAM,
		Layout:    LayoutShort,
		MsgSizes:  []uint64{16},
		AMHdrSize: 8,
		OneSided:  true,
		Verbose:   true,
	}, fullAttr())
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "one-sided")
}

func TestValidateAMWithOneSidedSilentWhenNotVerbose(t *testing.T) {
	res, err := Validate(Request{
		Command:   CommandAM,
		Layout:    LayoutShort,
		MsgSizes:  []uint64{16},
		AMHdrSize: 8,
		OneSided:  true,
	}, fullAttr())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}
