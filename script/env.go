// Package script provides the environment and runner for up/down scripts like ip-up
package script

import (
	"sort"
	"sync"
)

type envVar struct {
	val        string
	persistent bool
}

// Env is the set of variables passed to scripts, safe for concurrent use
type Env struct {
	mux  sync.RWMutex
	vars map[string]envVar
}

// NewEnv returns an empty Env
func NewEnv() *Env {
	return &Env{vars: make(map[string]envVar)}
}

// Set sets key to val; a persistent variable survives Reset
func (e *Env) Set(key, val string, persistent bool) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.vars[key] = envVar{val: val, persistent: persistent}
}

// Unset removes key
func (e *Env) Unset(key string) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.vars, key)
}

// Reset removes all non-persistent variables
func (e *Env) Reset() {
	e.mux.Lock()
	defer e.mux.Unlock()
	for k, v := range e.vars {
		if !v.persistent {
			delete(e.vars, k)
		}
	}
}

// Environ returns variables as sorted "key=value" list
func (e *Env) Environ() []string {
	e.mux.RLock()
	defer e.mux.RUnlock()
	r := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		r = append(r, k+"="+v.val)
	}
	sort.Strings(r)
	return r
}
