package config

import "sync/atomic"

// Runtime holds the switches that can flip while the process runs. The
// completion scheduler consults it on every request.
type Runtime struct {
	enabled       atomic.Bool
	authenticated atomic.Bool
}

// NewRuntime returns a Runtime with the given initial state.
func NewRuntime(enabled, authenticated bool) *Runtime {
	r := &Runtime{}
	r.enabled.Store(enabled)
	r.authenticated.Store(authenticated)
	return r
}

func (r *Runtime) SetEnabled(v bool)       { r.enabled.Store(v) }
func (r *Runtime) SetAuthenticated(v bool) { r.authenticated.Store(v) }

// CompletionsEnabled reports whether completion requests may reach the
// backend: the feature is on and the user is signed in.
func (r *Runtime) CompletionsEnabled() bool {
	return r.enabled.Load() && r.authenticated.Load()
}
