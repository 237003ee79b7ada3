package quell

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// OverrunPolicy declares what the scheduler does when a block misses its
// real-time budget while adaptive mode is on.
type OverrunPolicy struct {
	// Truncate stops executing further shreds for the block, leaving the
	// remainder silent. When false the overrun is allowed to complete,
	// trading latency for accuracy.
	Truncate bool
}

type vmOp int

const (
	opAdmit vmOp = iota
	opRemove
	opRemoveAll
	opRemoveLast
	opHalt
	opAdaptive
)

// vmCommand is one deferred control operation. Commands are enqueued by
// control contexts and drained by the audio context at block boundaries
// only; their relative order is preserved.
type vmCommand struct {
	op    vmOp
	id    uint64
	batch []*Shred
	flag  bool
}

// ShredStatus is a point-in-time snapshot of one live shred.
type ShredStatus struct {
	ID    uint64
	Name  string
	State ShredState
	Wake  uint64
}

// VM is the sample-clock scheduler. A single monotonic virtual-time counter
// advances by exactly numFrames per block; shreds are admitted, removed,
// woken, and retired only at block boundaries.
type VM struct {
	sampleRate int
	inChans    int
	outChans   int

	now     atomic.Uint64
	running atomic.Bool

	// blockMu is held for the duration of one block. destroy acquires it to
	// wait until the VM is idle before tearing anything down.
	blockMu sync.Mutex

	// qmu guards the command queue and the id/seq counters. Held only for
	// bounded append/swap work on either side.
	qmu     sync.Mutex
	pending []vmCommand
	nextID  uint64
	nextSeq uint64

	waiting shredHeap
	blocked map[string][]*Shred
	byID    map[uint64]*Shred

	globals  *Globals
	policy   OverrunPolicy
	adaptive atomic.Bool
	logger   *slog.Logger
}

func newVM(sampleRate, inChans, outChans int, policy OverrunPolicy, globals *Globals, logger *slog.Logger) *VM {
	return &VM{
		sampleRate: sampleRate,
		inChans:    inChans,
		outChans:   outChans,
		blocked:    make(map[string][]*Shred),
		byID:       make(map[uint64]*Shred),
		globals:    globals,
		policy:     policy,
		logger:     logger,
	}
}

// Start enables block execution. Idempotent; a halted VM can be started
// again.
func (vm *VM) Start() { vm.running.Store(true) }

// Running reports whether the scheduling clock is live.
func (vm *VM) Running() bool { return vm.running.Load() }

// Now returns the current virtual time in samples.
func (vm *VM) Now() uint64 { return vm.now.Load() }

// SampleRate returns the configured sample rate.
func (vm *VM) SampleRate() int { return vm.sampleRate }

// SetAdaptive toggles the overrun policy from a control context; takes
// effect at the next block boundary.
func (vm *VM) SetAdaptive(on bool) { vm.enqueue(vmCommand{op: opAdaptive, flag: on}) }

// Halt requests that execution stop. The request is acknowledged at the
// next block boundary: all shreds are retired and the clock stops. The VM
// stays reusable via Start.
func (vm *VM) Halt() { vm.enqueue(vmCommand{op: opHalt}) }

// Remove requests removal of one shred by id.
func (vm *VM) Remove(id uint64) { vm.enqueue(vmCommand{op: opRemove, id: id}) }

// RemoveAll requests removal of every live shred without stopping the clock.
func (vm *VM) RemoveAll() { vm.enqueue(vmCommand{op: opRemoveAll}) }

// RemoveLast requests removal of the most recently admitted live shred.
func (vm *VM) RemoveLast() { vm.enqueue(vmCommand{op: opRemoveLast}) }

func (vm *VM) enqueue(cmd vmCommand) {
	vm.qmu.Lock()
	vm.pending = append(vm.pending, cmd)
	vm.qmu.Unlock()
}

// newShreds wraps freshly compiled programs in shreds with assigned ids and
// admission sequence numbers. The shreds are not yet owned by the VM; hand
// them over with admitBatch (or replaceBatch) once fully prepared.
func (vm *VM) newShreds(progs []Program, name string) []*Shred {
	batch := make([]*Shred, len(progs))
	vm.qmu.Lock()
	for i, p := range progs {
		vm.nextID++
		vm.nextSeq++
		batch[i] = &Shred{id: vm.nextID, seq: vm.nextSeq, name: name, prog: p, heapIndex: -1}
	}
	vm.qmu.Unlock()
	return batch
}

// admitBatch places one batch of prepared shreds on the admission queue.
// The batch takes effect atomically at the next block boundary, never
// mid-block.
func (vm *VM) admitBatch(batch []*Shred) []uint64 {
	ids := make([]uint64, len(batch))
	for i, s := range batch {
		ids[i] = s.id
	}
	vm.qmu.Lock()
	vm.pending = append(vm.pending, vmCommand{op: opAdmit, batch: batch})
	vm.qmu.Unlock()
	return ids
}

// replaceBatch removes the given shreds and admits their replacements in
// one enqueue, so both take effect at the same block boundary with nothing
// interleaved between them.
func (vm *VM) replaceBatch(removeIDs []uint64, batch []*Shred) []uint64 {
	ids := make([]uint64, len(batch))
	for i, s := range batch {
		ids[i] = s.id
	}
	vm.qmu.Lock()
	for _, id := range removeIDs {
		vm.pending = append(vm.pending, vmCommand{op: opRemove, id: id})
	}
	vm.pending = append(vm.pending, vmCommand{op: opAdmit, batch: batch})
	vm.qmu.Unlock()
	return ids
}

// admit is the one-step path for programs that need no per-shred setup
// between id assignment and admission.
func (vm *VM) admit(progs []Program, name string) []uint64 {
	return vm.admitBatch(vm.newShreds(progs, name))
}

// Status returns a snapshot of live shreds in admission order, plus the
// current virtual time. Safe to call from control contexts; the view is
// consistent as of the latest block boundary.
func (vm *VM) Status() ([]ShredStatus, uint64) {
	vm.blockMu.Lock()
	defer vm.blockMu.Unlock()

	out := make([]ShredStatus, 0, len(vm.byID))
	for _, s := range vm.byID {
		out = append(out, ShredStatus{ID: s.id, Name: s.name, State: s.state, Wake: s.wake})
	}
	// Insertion sort by id; live sets are small and ids are admission-ordered.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, vm.now.Load()
}

// runBlock executes exactly one audio block: drain commands, apply global
// writes, run every shred whose wake time falls before the block's end, and
// advance the virtual clock by frames.
func (vm *VM) runBlock(input, output []float32, frames int) {
	vm.blockMu.Lock()
	defer vm.blockMu.Unlock()

	for i := range output {
		output[i] = 0
	}
	if frames <= 0 {
		return
	}

	start := time.Now()

	vm.qmu.Lock()
	cmds := vm.pending
	vm.pending = nil
	vm.qmu.Unlock()

	for i := range cmds {
		vm.apply(&cmds[i])
	}

	if !vm.running.Load() {
		return
	}

	if vm.globals != nil {
		for _, w := range vm.globals.applyPending() {
			vm.wakeEvent(w.name, w.broadcast)
		}
	}

	blockStart := vm.now.Load()
	blockEnd := blockStart + uint64(frames)
	budget := time.Duration(frames) * time.Second / time.Duration(vm.sampleRate)
	truncate := vm.adaptive.Load() && vm.policy.Truncate

	tc := TickContext{
		BlockStart: blockStart,
		Frames:     frames,
		In:         input,
		Out:        output,
		InChans:    vm.inChans,
		OutChans:   vm.outChans,
		SampleRate: vm.sampleRate,
	}

	for vm.waiting.Len() > 0 && vm.waiting[0].wake < blockEnd {
		if truncate && time.Since(start) > budget {
			vm.logger.Warn("block budget exceeded, truncating",
				slog.Uint64("now", blockStart), slog.Int("frames", frames))
			break
		}

		s := heap.Pop(&vm.waiting).(*Shred)
		s.state = ShredReady
		tc.Now = s.wake

		res, err := s.prog.Tick(&tc)
		switch {
		case err != nil:
			// A fault retires this shred only; everything else continues.
			vm.logger.Error("shred fault", slog.Uint64("id", s.id),
				slog.String("name", s.name), slog.String("err", err.Error()))
			vm.retire(s)
		case res.WaitEvent != "":
			s.state = ShredBlocked
			s.event = res.WaitEvent
			vm.blocked[res.WaitEvent] = append(vm.blocked[res.WaitEvent], s)
		case res.Done || res.Advance < 1:
			vm.retire(s)
		default:
			s.wake += res.Advance
			s.state = ShredWaiting
			heap.Push(&vm.waiting, s)
		}
	}

	vm.now.Store(blockEnd)
}

// apply executes one drained command. Runs on the audio context with
// blockMu held.
func (vm *VM) apply(cmd *vmCommand) {
	switch cmd.op {
	case opAdmit:
		now := vm.now.Load()
		for _, s := range cmd.batch {
			s.wake = now
			s.state = ShredReady
			vm.byID[s.id] = s
			heap.Push(&vm.waiting, s)
			vm.logger.Info("shred admitted", slog.Uint64("id", s.id),
				slog.String("name", s.name), slog.Uint64("now", now))
		}
	case opRemove:
		if s, ok := vm.byID[cmd.id]; ok {
			vm.unlink(s)
			vm.retire(s)
			vm.logger.Info("shred removed", slog.Uint64("id", s.id))
		}
	case opRemoveAll:
		vm.clearAll()
	case opRemoveLast:
		var last *Shred
		for _, s := range vm.byID {
			if last == nil || s.seq > last.seq {
				last = s
			}
		}
		if last != nil {
			vm.unlink(last)
			vm.retire(last)
			vm.logger.Info("shred removed", slog.Uint64("id", last.id))
		}
	case opHalt:
		vm.clearAll()
		vm.running.Store(false)
		vm.logger.Info("halt acknowledged", slog.Uint64("now", vm.now.Load()))
	case opAdaptive:
		vm.adaptive.Store(cmd.flag)
	}
}

// unlink detaches a shred from whichever wait structure holds it.
func (vm *VM) unlink(s *Shred) {
	if s.heapIndex >= 0 {
		heap.Remove(&vm.waiting, s.heapIndex)
	}
	if s.event != "" {
		parked := vm.blocked[s.event]
		for i, p := range parked {
			if p == s {
				vm.blocked[s.event] = append(parked[:i], parked[i+1:]...)
				break
			}
		}
		s.event = ""
	}
}

// retire reclaims a terminated shred.
func (vm *VM) retire(s *Shred) {
	s.state = ShredDone
	delete(vm.byID, s.id)
	s.prog.Close()
}

func (vm *VM) clearAll() {
	for vm.waiting.Len() > 0 {
		s := heap.Pop(&vm.waiting).(*Shred)
		vm.retire(s)
	}
	for name, parked := range vm.blocked {
		for _, s := range parked {
			s.event = ""
			vm.retire(s)
		}
		delete(vm.blocked, name)
	}
}

// wakeEvent moves shreds parked on the named event back onto the wait heap
// at the current block start. Wakes the earliest-parked shred, or all of
// them for a broadcast.
func (vm *VM) wakeEvent(name string, broadcast bool) {
	parked := vm.blocked[name]
	if len(parked) == 0 {
		return
	}
	n := 1
	if broadcast {
		n = len(parked)
	}
	now := vm.now.Load()
	for _, s := range parked[:n] {
		s.event = ""
		s.wake = now
		s.state = ShredWaiting
		heap.Push(&vm.waiting, s)
	}
	rest := parked[n:]
	if len(rest) == 0 {
		delete(vm.blocked, name)
	} else {
		vm.blocked[name] = rest
	}
}

// destroy waits for any in-flight block, then drops every shred, including
// batches still sitting on the admission queue. Called only during engine
// shutdown, after a halt request.
func (vm *VM) destroy() {
	vm.blockMu.Lock()
	defer vm.blockMu.Unlock()

	vm.qmu.Lock()
	cmds := vm.pending
	vm.pending = nil
	vm.qmu.Unlock()

	for _, cmd := range cmds {
		for _, s := range cmd.batch {
			s.prog.Close()
		}
	}
	vm.clearAll()
	vm.running.Store(false)
}
