package quell

import (
	"log/slog"
	"sync"
)

// Carrier aggregates one engine instance's live subsystems. It is owned
// exclusively by its Engine and torn down only during shutdown, after the
// VM has confirmed idle.
type Carrier struct {
	vm       *VM
	compiler *Compiler
	chugins  *chuginRegistry
	globals  *Globals
	bridge   *hookBridge
	out      *output
	logger   *slog.Logger

	hookMu sync.Mutex
	hook   *MainThreadHook
}

func (c *Carrier) setHook(h *MainThreadHook) {
	c.hookMu.Lock()
	c.hook = h
	c.hookMu.Unlock()
}

func (c *Carrier) getHook() *MainThreadHook {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return c.hook
}
