package riskconfig

import (
	"context"
	"sync/atomic"

	"cwa-risk-core/core/risk"
)

// Holder publishes the last successfully loaded configuration to concurrent
// readers.
type Holder struct {
	current atomic.Pointer[risk.Configuration]
}

func (h *Holder) Get() (risk.Configuration, bool) {
	if h == nil {
		return risk.Configuration{}, false
	}
	cfg := h.current.Load()
	if cfg == nil {
		return risk.Configuration{}, false
	}
	return *cfg, true
}

func (h *Holder) Set(cfg risk.Configuration) {
	h.current.Store(&cfg)
}

// Refresh loads from src and keeps the previous configuration on failure.
func (h *Holder) Refresh(ctx context.Context, src Source) error {
	cfg, err := src.Load(ctx)
	if err != nil {
		return err
	}
	h.Set(cfg)
	return nil
}
