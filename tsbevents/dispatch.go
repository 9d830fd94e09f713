// Package tsbevents maps metadata crossing a playback position to calls on
// the outer event manager contract: a locked registry keyed by
// tsbmeta.Type routes each record to its handler, and the default ad
// handler simply invokes the record's own SendEvent.
package tsbevents

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rdkcentral/aamp-tsb/tsbmeta"
	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

// Handler dispatches one metadata record's event through sink.
type Handler func(ctx context.Context, md tsbmeta.MetaData, sink tsbtypes.EventSink) error

// Dispatcher routes metadata records to a Handler by their tsbmeta.Type.
type Dispatcher struct {
	logger log.Logger

	mu       sync.RWMutex
	handlers map[tsbmeta.Type]Handler
}

// New creates a Dispatcher with the default ad-metadata handler already
// registered: it calls the record's own SendEvent.
func New(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Dispatcher{logger: logger, handlers: make(map[tsbmeta.Type]Handler)}
	d.Register(tsbmeta.AdMetadataType, func(ctx context.Context, md tsbmeta.MetaData, sink tsbtypes.EventSink) error {
		return md.SendEvent(ctx, sink)
	})
	return d
}

// Register installs (or replaces) the handler for t, returning the
// previous handler if any.
func (d *Dispatcher) Register(t tsbmeta.Type, h Handler) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.handlers[t]
	d.handlers[t] = h
	return prev
}

// Dispatch routes md to its registered handler. A metadata type with no
// handler is logged and dropped rather than treated as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, md tsbmeta.MetaData, sink tsbtypes.EventSink) error {
	d.mu.RLock()
	h := d.handlers[md.Type()]
	d.mu.RUnlock()
	if h == nil {
		level.Warn(d.logger).Log("msg", "no handler for metadata type", "type", md.Type())
		return nil
	}
	if err := h(ctx, md, sink); err != nil {
		level.Error(d.logger).Log("msg", "event dispatch failed", "type", md.Type(), "err", err)
		return err
	}
	return nil
}

// DispatchAll routes every record in mds, in order. A failing handler does
// not stop the batch: later records still fire, each failure is logged by
// Dispatch, and the first error is returned once the whole batch has been
// attempted.
func (d *Dispatcher) DispatchAll(ctx context.Context, mds []tsbmeta.MetaData, sink tsbtypes.EventSink) error {
	var firstErr error
	for _, md := range mds {
		if err := d.Dispatch(ctx, md, sink); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
