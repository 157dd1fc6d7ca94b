// Package sloghooks renders netcache hook events as slog records.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/netcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DoomEvery   uint64
	TooBigEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	doomCtr   atomic.Uint64
	tooBigCtr atomic.Uint64
}

var _ netcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) EntryDoomed(key, reason string) {
	if h.l == nil || !sample(h.opts.DoomEvery, &h.doomCtr) {
		return
	}
	h.l.Debug("netcache.entry_doomed",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) DeviceDisabled(device string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("netcache.device_disabled",
		"device", device,
		"err", err)
}

func (h *Hooks) BindFailed(key, device string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("netcache.bind_failed",
		"key", h.redact(key),
		"device", device,
		"err", err)
}

func (h *Hooks) EntryTooBig(key, device string, size int64) {
	if h.l == nil || !sample(h.opts.TooBigEvery, &h.tooBigCtr) {
		return
	}
	h.l.Info("netcache.entry_too_big",
		"key", h.redact(key),
		"device", device,
		"size", size)
}

func (h *Hooks) SmartSizeComputed(kb int64) {
	if h.l == nil {
		return
	}
	h.l.Info("netcache.smart_size", "capacity_kb", kb)
}

func (h *Hooks) ListenerDispatchFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("netcache.listener_dispatch_failed",
		"key", h.redact(key),
		"err", err)
}
