// Package engctx is the engine's per-environment context: the shared
// logger, config, and panic flag. Nothing here caches pages or log
// records. The replay applier is constructed with an Env and checks
// its panic flag first on every Apply; bufpool and blink take no Env
// and do not check the flag.
package engctx

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Env is one open engine environment. The zero value is not usable;
// build one with New.
type Env struct {
	Config Config
	Logger *logrus.Entry

	mu      sync.RWMutex
	panicked bool
	panicErr error
}

// New builds an Env from cfg, defaulting any zero fields (mirroring
// bufpool.NewPool's own defaulting of its Config).
func New(cfg Config) *Env {
	cfg.setDefaults()
	return &Env{
		Config: cfg,
		Logger: cfg.Logger.WithField("component", "engine"),
	}
}

// Panic sets the environment's panic flag (spec §7 "RunRecovery /
// panic"). Once set, it is sticky: only a fresh Env (a reopen) clears
// it. The triggering error is logged at Error level and remembered so
// CheckPanic can report it back to every subsequent caller.
func (e *Env) Panic(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.panicked {
		return
	}
	e.panicked = true
	e.panicErr = err
	e.Logger.WithError(err).Error("environment panic: recovery required")
}

// Panicked reports whether the environment has recorded a panic.
func (e *Env) Panicked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.panicked
}

// CheckPanic is the guard applier.Apply (and enginectl before closing
// an environment) calls first: it returns a RunRecovery error wrapping
// the original trigger if the environment is panicked, or nil
// otherwise.
func (e *Env) CheckPanic() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.panicked {
		return nil
	}
	return errors.Wrap(e.panicErr, "engine: environment requires recovery")
}
