// Package rte defines the out-of-band rendezvous collaborator contract of
// spec §6 ("RTE"): a narrow capability the core consumes for peer
// group membership, collective address/rkey exchange, barriers, and final
// result reporting. A real RTE transport is out of scope (spec.md §1);
// this package also provides an in-process implementation for tests and
// single-host multi-peer runs.
package rte

// Result carries one report() call's payload: the statistics-engine
// output plus whatever the caller wants forwarded alongside it.
type Result struct {
	UserArg any
	Final   bool
	Payload []byte
}

// RTE is the rendezvous collaborator the core drives during bring-up
// (§4.7) and multi-thread status aggregation (§4.9).
type RTE interface {
	// GroupSize and GroupIndex report static group membership; both are
	// stable for the lifetime of one RTE instance.
	GroupSize() int
	GroupIndex() int

	// PostVec stages a local scatter-gather buffer for the next
	// collective exchange. It does not block.
	PostVec(vec [][]byte) error
	// ExchangeVec blocks until every peer in the group has called
	// PostVec for the current round, then returns the group's posted
	// buffers indexed by peer index (including the caller's own).
	ExchangeVec() ([][]byte, error)
	// Recv returns the buffer peer contributed to the most recently
	// completed ExchangeVec round. It does not block; callers must have
	// already completed at least one ExchangeVec.
	Recv(peer int) ([]byte, error)

	// Barrier blocks until every peer in the group arrives.
	Barrier() error
	// Report forwards a result record; only meaningful on the designated
	// reporting peer (conventionally index 0, per spec.md §4.9's "thread
	// 0 performs the statistical reduction and report call").
	Report(result Result) error
}
