package atomicsel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshwire/meshwire/internal/iface"
)

func TestSelectCPUPolicyEnablesEveryCPUCandidateIgnoringDevice(t *testing.T) {
	candidates := []Candidate{
		{ResourceID: 1, Caps: iface.CapAtomic64 | iface.CapAtomicCPU, Bandwidth: 1, Overhead: 0.1},
		{ResourceID: 2, Caps: iface.CapAtomic64 | iface.CapAtomicCPU, Bandwidth: 100, Overhead: 0.0001, Priority: 5},
		{ResourceID: 3, Caps: iface.CapAtomic64 | iface.CapAtomicDevice, Bandwidth: 1000, Overhead: 0.00001, Priority: 10},
	}
	res, ok := Select(PolicyCPU, candidates)
	assert.True(t, ok)
	assert.True(t, res.IsEnabled(1))
	assert.True(t, res.IsEnabled(2))
	assert.False(t, res.IsEnabled(3))
	assert.False(t, res.IsOnDevice(1))
	assert.False(t, res.IsOnDevice(2))
}

func TestSelectDevicePolicyFallsBackToCPUWhenNoDeviceCandidate(t *testing.T) {
	cpuOnly := []Candidate{{ResourceID: 3, Caps: iface.CapAtomic32 | iface.CapAtomicCPU, Bandwidth: 1, Overhead: 0.1}}
	res, ok := Select(PolicyDevice, cpuOnly)
	assert.True(t, ok)
	assert.True(t, res.IsEnabled(3))
	assert.False(t, res.IsOnDevice(3))
}

func TestSelectDevicePolicyEnablesEveryResourceSharingWinnersDevice(t *testing.T) {
	candidates := []Candidate{
		// Best-scoring device resource: shares device "nic0"/domain 1 with resource 5.
		{ResourceID: 4, Caps: iface.CapAtomic32 | iface.CapAtomicDevice, Bandwidth: 50, Overhead: 0.001, DeviceName: "nic0", MemDomainIndex: 1},
		// Same physical device as the winner, CPU-atomics lane: must also be enabled.
		{ResourceID: 5, Caps: iface.CapAtomic32 | iface.CapAtomicCPU, Bandwidth: 1, Overhead: 0.1, DeviceName: "nic0", MemDomainIndex: 1},
		// A weaker device resource on a different physical device: must NOT be enabled.
		{ResourceID: 6, Caps: iface.CapAtomic32 | iface.CapAtomicDevice, Bandwidth: 5, Overhead: 0.01, DeviceName: "nic1", MemDomainIndex: 2},
	}
	res, ok := Select(PolicyDevice, candidates)
	assert.True(t, ok)
	assert.True(t, res.IsEnabled(4))
	assert.True(t, res.IsOnDevice(4))
	assert.True(t, res.IsEnabled(5))
	assert.False(t, res.IsOnDevice(5))
	assert.False(t, res.IsEnabled(6))
}

func TestSelectDevicePolicyBreaksTiesByPriority(t *testing.T) {
	candidates := []Candidate{
		{ResourceID: 7, Caps: iface.CapAtomic64 | iface.CapAtomicDevice, Bandwidth: 20, Overhead: 0.01, Priority: 0, DeviceName: "a", MemDomainIndex: 0},
		{ResourceID: 8, Caps: iface.CapAtomic64 | iface.CapAtomicDevice, Bandwidth: 10, Overhead: 0.01, Priority: 1, DeviceName: "b", MemDomainIndex: 1},
	}
	res, ok := Select(PolicyDevice, candidates)
	assert.True(t, ok)
	assert.True(t, res.IsEnabled(8))
	assert.False(t, res.IsEnabled(7))
}

func TestSelectGuessAppliesDeviceWhenAnyDeviceCandidatePresent(t *testing.T) {
	candidates := []Candidate{
		{ResourceID: 1, Caps: iface.CapAtomic64 | iface.CapAtomicCPU, Bandwidth: 1, Overhead: 1, DeviceName: "a"},
		{ResourceID: 2, Caps: iface.CapAtomic64 | iface.CapAtomicDevice, Bandwidth: 1000, Overhead: 0.00001, Priority: 10, DeviceName: "b", MemDomainIndex: 1},
	}
	res, ok := Select(PolicyGuess, candidates)
	assert.True(t, ok)
	assert.True(t, res.IsEnabled(2))
	assert.True(t, res.IsOnDevice(2))
	assert.False(t, res.IsEnabled(1))
}

func TestSelectGuessAppliesCPUWhenNoDeviceCandidatePresent(t *testing.T) {
	candidates := []Candidate{
		{ResourceID: 1, Caps: iface.CapAtomic64 | iface.CapAtomicCPU, Bandwidth: 1, Overhead: 1},
		{ResourceID: 2, Caps: iface.CapAtomic64 | iface.CapAtomicCPU, Bandwidth: 2, Overhead: 0.5},
	}
	res, ok := Select(PolicyGuess, candidates)
	assert.True(t, ok)
	assert.True(t, res.IsEnabled(1))
	assert.True(t, res.IsEnabled(2))
}

func TestSelectReturnsFalseWhenNoCandidateQualifies(t *testing.T) {
	candidates := []Candidate{{ResourceID: 1, Caps: iface.CapAMShort}}
	_, ok := Select(PolicyGuess, candidates)
	assert.False(t, ok)
}
