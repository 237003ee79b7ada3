package quell

import "sync"

// Parameter names recognized by SetParam* / GetParam*. Boolean-valued
// parameters are integer-typed and hold 0 or 1.
const (
	ParamSampleRate            = "SAMPLE_RATE"
	ParamInputChannels         = "INPUT_CHANNELS"
	ParamOutputChannels        = "OUTPUT_CHANNELS"
	ParamVMAdaptive            = "VM_ADAPTIVE"
	ParamVMHalt                = "VM_HALT"
	ParamOTFEnable             = "OTF_ENABLE"
	ParamOTFPort               = "OTF_PORT"
	ParamDumpInstructions      = "DUMP_INSTRUCTIONS"
	ParamAutoDepend            = "AUTO_DEPEND"
	ParamDeprecateLevel        = "DEPRECATE_LEVEL"
	ParamWorkingDirectory      = "WORKING_DIRECTORY"
	ParamChuginEnable          = "CHUGIN_ENABLE"
	ParamChuginDirectory       = "CHUGIN_DIRECTORY"
	ParamUserChugins           = "USER_CHUGINS"
	ParamUserChuginDirectories = "USER_CHUGIN_DIRECTORIES"
	ParamHintIsRealtimeAudio   = "HINT_IS_REALTIME_AUDIO"
)

type paramKind int

const (
	paramIntKind paramKind = iota
	paramStringKind
	paramListKind
)

// paramSpec describes one recognized parameter: its type, its documented
// default, and whether the key is frozen once Init has succeeded.
type paramSpec struct {
	kind    paramKind
	frozen  bool
	defInt  int64
	defStr  string
	defList []string
}

var paramTable = map[string]paramSpec{
	ParamSampleRate:            {kind: paramIntKind, frozen: true, defInt: 44100},
	ParamInputChannels:         {kind: paramIntKind, frozen: true, defInt: 2},
	ParamOutputChannels:        {kind: paramIntKind, frozen: true, defInt: 2},
	ParamVMAdaptive:            {kind: paramIntKind, defInt: 0},
	ParamVMHalt:                {kind: paramIntKind, defInt: 0},
	ParamOTFEnable:             {kind: paramIntKind, frozen: true, defInt: 0},
	ParamOTFPort:               {kind: paramIntKind, frozen: true, defInt: 8888},
	ParamDumpInstructions:      {kind: paramIntKind, defInt: 0},
	ParamAutoDepend:            {kind: paramIntKind, defInt: 0},
	ParamDeprecateLevel:        {kind: paramIntKind, defInt: 1},
	ParamWorkingDirectory:      {kind: paramStringKind, defStr: ""},
	ParamChuginEnable:          {kind: paramIntKind, frozen: true, defInt: 1},
	ParamChuginDirectory:       {kind: paramStringKind, frozen: true, defStr: ""},
	ParamUserChugins:           {kind: paramListKind, frozen: true},
	ParamUserChuginDirectories: {kind: paramListKind, frozen: true},
	ParamHintIsRealtimeAudio:   {kind: paramIntKind, defInt: 0},
}

// paramStore is the typed key/value table behind the engine's SetParam* /
// GetParam* family. Unknown keys and type mismatches are rejected without
// touching the store; unset keys read back their documented default. No
// cross-key validation happens here (that is Init's job).
type paramStore struct {
	mu     sync.RWMutex
	ints   map[string]int64
	strs   map[string]string
	lists  map[string][]string
	frozen bool // set once Init succeeds; frozen keys reject writes after
}

func newParamStore() *paramStore {
	return &paramStore{
		ints:  make(map[string]int64),
		strs:  make(map[string]string),
		lists: make(map[string][]string),
	}
}

// freeze marks the store as belonging to an initialized engine; keys flagged
// as frozen reject subsequent writes.
func (p *paramStore) freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

func (p *paramStore) writable(name string, kind paramKind) (paramSpec, bool) {
	spec, ok := paramTable[name]
	if !ok || spec.kind != kind {
		return paramSpec{}, false
	}
	if p.frozen && spec.frozen {
		return paramSpec{}, false
	}
	return spec, true
}

func (p *paramStore) setInt(name string, value int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.writable(name, paramIntKind); !ok {
		return false
	}
	p.ints[name] = value
	return true
}

func (p *paramStore) setString(name, value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.writable(name, paramStringKind); !ok {
		return false
	}
	p.strs[name] = value
	return true
}

func (p *paramStore) setList(name string, value []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.writable(name, paramListKind); !ok {
		return false
	}
	p.lists[name] = append([]string(nil), value...)
	return true
}

func (p *paramStore) getInt(name string) (int64, bool) {
	spec, ok := paramTable[name]
	if !ok || spec.kind != paramIntKind {
		return 0, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.ints[name]; ok {
		return v, true
	}
	return spec.defInt, true
}

func (p *paramStore) getString(name string) (string, bool) {
	spec, ok := paramTable[name]
	if !ok || spec.kind != paramStringKind {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.strs[name]; ok {
		return v, true
	}
	return spec.defStr, true
}

func (p *paramStore) getList(name string) ([]string, bool) {
	spec, ok := paramTable[name]
	if !ok || spec.kind != paramListKind {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.lists[name]; ok {
		return append([]string(nil), v...), true
	}
	return append([]string(nil), spec.defList...), true
}

// getBool reads an integer parameter as a flag.
func (p *paramStore) getBool(name string) bool {
	v, _ := p.getInt(name)
	return v != 0
}
