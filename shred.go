package quell

// ShredState is the lifecycle state of one executable unit.
type ShredState int

const (
	// ShredReady: wake time reached or pending; runs within the current block.
	ShredReady ShredState = iota
	// ShredWaiting: suspended until an absolute virtual time.
	ShredWaiting
	// ShredBlocked: parked on a named event, no wake time.
	ShredBlocked
	// ShredDone: terminated; about to be reclaimed.
	ShredDone
)

func (s ShredState) String() string {
	switch s {
	case ShredReady:
		return "ready"
	case ShredWaiting:
		return "waiting"
	case ShredBlocked:
		return "blocked"
	case ShredDone:
		return "done"
	}
	return "unknown"
}

// TickContext is the per-block execution context handed to a program each
// time the scheduler advances it. In and Out are the interleaved audio
// buffers for the whole block; Now is the shred's current virtual time.
type TickContext struct {
	Now        uint64
	BlockStart uint64
	Frames     int
	In         []float32
	Out        []float32
	InChans    int
	OutChans   int
	SampleRate int
}

// EmitOut mixes v into the output buffer at the given frame offset from Now.
// Offsets that land outside the current block are dropped (this happens for
// frames already rendered when a shred runs late after a truncated block).
func (tc *TickContext) EmitOut(offset int, ch int, v float32) {
	if ch < 0 || ch >= tc.OutChans {
		return
	}
	frame := int64(tc.Now) - int64(tc.BlockStart) + int64(offset)
	if frame < 0 || frame >= int64(tc.Frames) {
		return
	}
	tc.Out[int(frame)*tc.OutChans+ch] += v
}

// ReadIn returns the input sample at the given frame offset from Now, or 0
// for offsets outside the block or absent input.
func (tc *TickContext) ReadIn(offset int, ch int) float32 {
	if tc.In == nil || ch < 0 || ch >= tc.InChans {
		return 0
	}
	frame := int64(tc.Now) - int64(tc.BlockStart) + int64(offset)
	if frame < 0 || frame >= int64(tc.Frames) {
		return 0
	}
	return tc.In[int(frame)*tc.InChans+ch]
}

// TickResult tells the scheduler what a program did with its turn.
type TickResult struct {
	// Advance is the number of samples until the next wake. Values < 1 are
	// treated as termination unless Done or WaitEvent say otherwise.
	Advance uint64
	// Done marks voluntary termination.
	Done bool
	// WaitEvent parks the shred on a named event instead of a wake time.
	WaitEvent string
}

// Program is the compiled, schedulable form of a shred. The scheduler calls
// Tick whenever the shred's wake time falls inside the current block; Close
// releases the program's resources after termination or removal.
//
// Programs are created on a control context and thereafter touched only by
// the audio context; the admission queue is the handoff point.
type Program interface {
	Tick(tc *TickContext) (TickResult, error)
	Close()
}

// Shred is one executable unit: a program instance plus its scheduling
// state. Owned by the VM from admission until it terminates or is removed.
type Shred struct {
	id        uint64
	seq       uint64 // admission sequence; canonical tie-break order
	name      string
	wake      uint64
	state     ShredState
	prog      Program
	event     string // event name while blocked
	heapIndex int
}

func (s *Shred) ID() uint64        { return s.id }
func (s *Shred) Name() string      { return s.name }
func (s *Shred) State() ShredState { return s.state }
func (s *Shred) Wake() uint64      { return s.wake }

// shredHeap orders waiting shreds by (wake, admission sequence), giving a
// reproducible execution order for identical admission histories.
type shredHeap []*Shred

func (h shredHeap) Len() int { return len(h) }

func (h shredHeap) Less(i, j int) bool {
	if h[i].wake != h[j].wake {
		return h[i].wake < h[j].wake
	}
	return h[i].seq < h[j].seq
}

func (h shredHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *shredHeap) Push(x any) {
	s := x.(*Shred)
	s.heapIndex = len(*h)
	*h = append(*h, s)
}

func (h *shredHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.heapIndex = -1
	*h = old[:n-1]
	return s
}
