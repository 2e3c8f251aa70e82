// SPDX-License-Identifier: MIT

package playout

import (
	"context"
	"sort"
	"sync"

	"github.com/playoutsync/engine/internal/amcp"
	"github.com/playoutsync/engine/internal/util"
)

// SlotError pairs a slot index with the error encountered processing it,
// per the aggregate-failure propagation policy: one slot's connection
// failure never aborts the others.
type SlotError struct {
	SlotIndex int
	Err       error
}

// connGroup is the per-connection unit of work for one sync operation: the
// batch being assembled, and which slot's commands occupy which range of
// the batch's non-envelope lines (so a partial RemoteError can be
// attributed back to the specific slot that caused it).
type connGroup struct {
	addr  string
	batch *amcp.Batch
	spans []span
}

type span struct {
	slot  *runtime
	start int // index into batch's command list (0-based, excludes DEFER/RESUME)
	count int
}

// groupByConn partitions effective runtimes by connection address,
// preserving slot index order within each group, and lets build supply
// each slot's command lines.
func groupByConn(slots []*runtime, build func(*runtime) []string) []*connGroup {
	byAddr := make(map[string]*connGroup)
	var order []string

	for _, r := range slots {
		if !r.cfg.Effective() {
			continue
		}
		addr := r.cfg.Addr()
		g, ok := byAddr[addr]
		if !ok {
			g = &connGroup{addr: addr, batch: amcp.NewBatch(addr)}
			byAddr[addr] = g
			order = append(order, addr)
		}
		cmds := build(r)
		start := g.batch.Len()
		g.batch.Add(cmds...)
		g.spans = append(g.spans, span{slot: r, start: start, count: len(cmds)})
	}

	groups := make([]*connGroup, 0, len(order))
	for _, addr := range order {
		groups = append(groups, byAddr[addr])
	}
	return groups
}

// dispatchGrouped sends one group's batch per connection in parallel
// (serial within each connection, by construction of amcp.Conn), and
// attributes any RemoteError back to the specific slot whose command span
// contains the first failing reply. A NetworkError or ProtocolError fails
// every slot in the group, since the whole batch round-trip was lost.
func dispatchGrouped(ctx context.Context, registry *amcp.Registry, groups []*connGroup) []SlotError {
	var mu sync.Mutex
	var errs []SlotError
	var wg sync.WaitGroup

	for _, g := range groups {
		if g.batch.Empty() {
			continue
		}
		wg.Add(1)
		go func(g *connGroup) {
			defer wg.Done()

			// A panic here (in conn.Send, attributeFailure, or a future
			// edit to either) must not take down the whole process: every
			// other connection's in-flight dispatch and the supervised
			// HTTP server share this goroutine's address space. Convert
			// it into the same "whole connection's work is lost" failure
			// a NetworkError would produce.
			if panicErr := util.RecoverToPanic(func() error {
				dispatchOne(ctx, registry, g, &mu, &errs)
				return nil
			}); panicErr != nil {
				mu.Lock()
				for _, sp := range g.spans {
					errs = append(errs, SlotError{SlotIndex: sp.slot.cfg.Index, Err: panicErr})
				}
				mu.Unlock()
			}
		}(g)
	}

	wg.Wait()

	sort.Slice(errs, func(i, j int) bool { return errs[i].SlotIndex < errs[j].SlotIndex })
	return errs
}

// dispatchOne sends g's batch over its connection and records any failure
// into errs (guarded by mu), attributing a RemoteError to the specific slot
// whose command span contains the first failing reply where possible.
func dispatchOne(ctx context.Context, registry *amcp.Registry, g *connGroup, mu *sync.Mutex, errs *[]SlotError) {
	conn := registry.Get(g.addr)
	result, err := conn.Send(ctx, g.batch)

	if err == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	if _, ok := err.(*amcp.RemoteError); ok && len(result.Replies) > 0 {
		slot := attributeFailure(g, result)
		if slot != nil {
			*errs = append(*errs, SlotError{SlotIndex: slot.cfg.Index, Err: err})
			return
		}
	}
	// NetworkError, ProtocolError, or an unattributable RemoteError: the
	// whole connection's work for this tick is lost.
	for _, sp := range g.spans {
		*errs = append(*errs, SlotError{SlotIndex: sp.slot.cfg.Index, Err: err})
	}
}

// attributeFailure finds which slot's command span contains the first
// non-success reply, accounting for the leading DEFER reply.
func attributeFailure(g *connGroup, result amcp.Result) *runtime {
	const deferOffset = 1 // DEFER is reply index 0

	for i, reply := range result.Replies {
		if reply.Success() {
			continue
		}
		cmdIndex := i - deferOffset
		for _, sp := range g.spans {
			if cmdIndex >= sp.start && cmdIndex < sp.start+sp.count {
				return sp.slot
			}
		}
		return nil
	}
	return nil
}
