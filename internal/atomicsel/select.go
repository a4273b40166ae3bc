// Package atomicsel implements the atomic-resource selector of spec §4.4:
// choosing which registered transport interface(s) should carry one-sided
// atomic operations, under one of three policies.
package atomicsel

import "github.com/meshwire/meshwire/internal/iface"

// Policy selects how resources are picked among interfaces advertising
// atomic support.
type Policy int

const (
	// PolicyCPU enables every interface whose capability flags include
	// the CPU-atomics bit, ignoring any device-offload capability.
	PolicyCPU Policy = iota
	// PolicyDevice picks the best-scoring device-offload interface, then
	// enables every interface sharing that winner's memory-domain index
	// and device name, falling back to PolicyCPU if none qualifies.
	PolicyDevice
	// PolicyGuess applies PolicyDevice if any interface advertises
	// device atomics, else applies PolicyCPU.
	PolicyGuess
)

// Candidate is one interface's atomic-relevant attributes, read from its
// Attr at registration time.
type Candidate struct {
	ResourceID int
	Caps       iface.CapFlag
	Bandwidth  float64
	Overhead   float64
	Priority   int

	// DeviceName and MemDomainIndex group resources that share one
	// underlying device, per §4.4's "enable every interface sharing both
	// the winner's memory-domain index and its device name".
	DeviceName     string
	MemDomainIndex int
}

// Result is the selector's verdict: the bitmask of enabled resource ids
// (§4.4 "emits a bitmask of enabled resource indices") plus, per enabled
// resource, whether it executes atomics on the device path as opposed to
// a CPU fallback using compare-and-swap over a mapped region.
type Result struct {
	Enabled  map[int]bool
	OnDevice map[int]bool
}

// IsEnabled reports whether resourceID was selected by Select.
func (r Result) IsEnabled(resourceID int) bool {
	return r.Enabled[resourceID]
}

// IsOnDevice reports whether resourceID's atomics execute on the device
// path. Only meaningful when IsEnabled(resourceID) is true.
func (r Result) IsOnDevice(resourceID int) bool {
	return r.OnDevice[resourceID]
}

// score favors high bandwidth, low overhead, and higher configured
// priority — the same three terms spec.md §9 names for atomic-resource
// scoring. Only used for PolicyDevice/PolicyGuess's device-winner pick;
// PolicyCPU never scores (§4.4: "every interface ... is enabled").
func score(c Candidate) float64 {
	base := c.Bandwidth / (1 + c.Overhead*1e6)
	return base * float64(1+c.Priority)
}

// Select applies policy over candidates and returns the resulting
// bitmask. candidates with no atomic capability (neither CapAtomic32 nor
// CapAtomic64) are ignored. Select returns false if no candidate
// qualifies, i.e. the mask would be empty.
func Select(policy Policy, candidates []Candidate) (Result, bool) {
	var cpu, device []Candidate
	for _, c := range candidates {
		if c.Caps&(iface.CapAtomic32|iface.CapAtomic64) == 0 {
			continue
		}
		if c.Caps&iface.CapAtomicDevice != 0 {
			device = append(device, c)
		} else if c.Caps&iface.CapAtomicCPU != 0 {
			cpu = append(cpu, c)
		}
	}
	qualifying := append(append([]Candidate{}, cpu...), device...)

	switch policy {
	case PolicyCPU:
		return enableAll(cpu, false)
	case PolicyDevice:
		if r, ok := enableDeviceGroup(qualifying, device); ok {
			return r, true
		}
		return enableAll(cpu, false)
	case PolicyGuess:
		if len(device) > 0 {
			return enableDeviceGroup(qualifying, device)
		}
		return enableAll(cpu, false)
	default:
		return Result{}, false
	}
}

// enableAll enables every candidate in pool, with no scoring, matching
// §4.4's CPU policy ("every interface whose capability flags include the
// CPU-atomics bit is enabled").
func enableAll(pool []Candidate, onDevice bool) (Result, bool) {
	if len(pool) == 0 {
		return Result{}, false
	}
	res := Result{Enabled: make(map[int]bool, len(pool)), OnDevice: make(map[int]bool, len(pool))}
	for _, c := range pool {
		res.Enabled[c.ResourceID] = true
		res.OnDevice[c.ResourceID] = onDevice
	}
	return res, true
}

// enableDeviceGroup scores device, picks the winner (ties broken by
// higher priority), then enables every candidate in all sharing the
// winner's memory-domain index and device name.
func enableDeviceGroup(all, device []Candidate) (Result, bool) {
	winner, ok := bestOf(device)
	if !ok {
		return Result{}, false
	}
	res := Result{Enabled: make(map[int]bool), OnDevice: make(map[int]bool)}
	for _, c := range all {
		if c.MemDomainIndex != winner.MemDomainIndex || c.DeviceName != winner.DeviceName {
			continue
		}
		res.Enabled[c.ResourceID] = true
		res.OnDevice[c.ResourceID] = c.Caps&iface.CapAtomicDevice != 0
	}
	return res, true
}

func bestOf(pool []Candidate) (Candidate, bool) {
	if len(pool) == 0 {
		return Candidate{}, false
	}
	best := pool[0]
	bestScore := score(best)
	for _, c := range pool[1:] {
		s := score(c)
		if s > bestScore || (s == bestScore && c.Priority > best.Priority) {
			best, bestScore = c, s
		}
	}
	return best, true
}
