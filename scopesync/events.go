// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"fmt"
	"sync"
)

// EventKind tags the payload carried by a SyncEvent.
type EventKind int

const (
	EventStageChanged EventKind = iota + 1
	EventChangesSelected
	EventBatchPartWritten
	EventBatchPartApplying
	EventBatchPartApplied
	EventRowApplying
	EventConflict
	EventOutdated
	EventSessionEnded
)

func (k EventKind) String() string {
	switch k {
	case EventStageChanged:
		return "stage_changed"
	case EventChangesSelected:
		return "changes_selected"
	case EventBatchPartWritten:
		return "batch_part_written"
	case EventBatchPartApplying:
		return "batch_part_applying"
	case EventBatchPartApplied:
		return "batch_part_applied"
	case EventRowApplying:
		return "row_applying"
	case EventConflict:
		return "conflict"
	case EventOutdated:
		return "outdated"
	case EventSessionEnded:
		return "session_ended"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// SyncEvent is a snapshot of the session at an extension point. Pointer fields are
// copies owned by the event; mutating them does not affect the session.
type SyncEvent struct {
	Kind      EventKind
	Stage     SessionStage
	ScopeName string
	Table     string
	Rows      int
	Part      *BatchPartInfo
	Row       *SyncRow
	Conflict  *SyncConflict
	Result    *SyncResult
	Err       error
}

// EventAction is returned by handlers; EventCancel aborts the session.
type EventAction int

const (
	EventContinue EventAction = iota
	EventCancel
)

type EventHandler func(ctx context.Context, ev SyncEvent) EventAction

// Events is a subscription list. Dispatch runs handlers in subscription order.
type Events struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (e *Events) Subscribe(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// snapshot freezes the handler list for one session.
func (e *Events) snapshot() eventSink {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append(eventSink(nil), e.handlers...)
}

type eventSink []EventHandler

// emit dispatches ev and returns ErrCanceled when any handler cancels.
func (s eventSink) emit(ctx context.Context, ev SyncEvent) error {
	for _, h := range s {
		if h(ctx, ev) == EventCancel {
			return fmt.Errorf("%w at %s (%s)", ErrCanceled, ev.Kind, ev.Stage)
		}
	}
	return nil
}

func partSnapshot(p BatchPartInfo) *BatchPartInfo { return &p }

func rowSnapshot(r SyncRow) *SyncRow {
	c := r.Clone()
	return &c
}

func conflictSnapshot(c SyncConflict) *SyncConflict {
	c.RemoteRow = c.RemoteRow.Clone()
	if c.LocalRow != nil {
		c.LocalRow = rowSnapshot(*c.LocalRow)
	}
	if c.FinalRow != nil {
		c.FinalRow = rowSnapshot(*c.FinalRow)
	}
	if c.Table != nil {
		c.Table = c.Table.Schema()
	}
	return &c
}
