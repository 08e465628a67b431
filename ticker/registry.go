package ticker

import (
	"sync"

	"kite_clickhouse/models"
)

// registry tracks the desired subscription state: instrument token to mode.
// It outlives individual sessions; the controller replays it on every
// successful connect. Mutated only by the caller-facing API, never by the
// read loop.
type registry struct {
	mu    sync.RWMutex
	modes map[uint32]models.Mode
}

func newRegistry() *registry {
	return &registry{modes: make(map[uint32]models.Mode)}
}

// subscribe adds tokens at the default mode. Tokens already present keep
// their current mode.
func (r *registry) subscribe(tokens []uint32, def models.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, token := range tokens {
		if _, ok := r.modes[token]; !ok {
			r.modes[token] = def
		}
	}
}

// setMode upserts the mode for each token, subscribing implicitly if new.
// Last write wins; a token never holds more than one mode.
func (r *registry) setMode(mode models.Mode, tokens []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, token := range tokens {
		r.modes[token] = mode
	}
}

func (r *registry) unsubscribe(tokens []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, token := range tokens {
		delete(r.modes, token)
	}
}

// snapshot returns a copy of the token→mode mapping.
func (r *registry) snapshot() map[uint32]models.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32]models.Mode, len(r.modes))
	for token, mode := range r.modes {
		out[token] = mode
	}
	return out
}

// byMode groups subscribed tokens by mode, for replay as one control
// message per mode rather than one per token.
func (r *registry) byMode() map[models.Mode][]uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.Mode][]uint32)
	for token, mode := range r.modes {
		out[mode] = append(out[mode], token)
	}
	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modes)
}
