// Package crashlog records recent queries and crash context for post-mortem
// debugging.
//
// The Tracker keeps a fixed-capacity history of recent queries (whatever
// their outcome) and a full record of every failure: error, query, stack
// trace, and a process/system snapshot. It is constructed once at startup
// and passed explicitly to the pool, the processor, and the HTTP server;
// records live for the process lifetime unless a persistent Journal is
// attached.
package crashlog

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kuzugate/kuzugate/pkg/errs"
	"github.com/kuzugate/kuzugate/pkg/metrics"
)

const (
	// historyCapacity bounds the recent-query ring buffer.
	historyCapacity = 100
	// recentQueryCount is how many history entries DebugInfo returns.
	recentQueryCount = 10
)

// QueryRecord is one entry in the recent-query history.
type QueryRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Query     string         `json:"query"`
	Params    map[string]any `json:"params,omitempty"`
}

// CrashRecord captures the full context of one failure.
type CrashRecord struct {
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Query        string         `json:"query"`
	Params       map[string]any `json:"params,omitempty"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	StackTrace   string         `json:"stack_trace"`
	System       Snapshot       `json:"system_snapshot"`
}

// DebugInfo is the payload served on the debug endpoint.
type DebugInfo struct {
	CrashCount     uint64        `json:"crash_count"`
	LastCrashTime  string        `json:"last_crash_time,omitempty"`
	LastCrashQuery string        `json:"last_crash_query,omitempty"`
	RecentQueries  []QueryRecord `json:"recent_queries"`
	SystemInfo     Snapshot      `json:"system_info"`
}

// Tracker is a thread-safe recorder of queries and crashes.
type Tracker struct {
	log     zerolog.Logger
	journal *Journal

	mu             sync.Mutex
	seq            uint64
	crashCount     uint64
	lastCrashTime  time.Time
	lastCrashQuery string
	history        []QueryRecord
}

// NewTracker creates a tracker with an empty history.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:     log,
		history: make([]QueryRecord, 0, historyCapacity),
	}
}

// SetJournal attaches a persistent crash journal. Crash sequences resume
// after the journal's last stored sequence so they stay strictly increasing
// across restarts.
func (t *Tracker) SetJournal(j *Journal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.journal = j
	if j != nil {
		if last, err := j.LastSequence(); err == nil && last > t.seq {
			t.seq = last
		}
	}
}

// RecordQuery appends a query to the history, evicting the oldest entry at
// capacity. Best-effort, called before execution.
func (t *Tracker) RecordQuery(query string, params map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, QueryRecord{
		Timestamp: time.Now(),
		Query:     query,
		Params:    params,
	})
	if len(t.history) > historyCapacity {
		t.history = t.history[1:]
	}
}

// RecordCrash records a failure with full context and returns the record.
func (t *Tracker) RecordCrash(err error, query string, params map[string]any) CrashRecord {
	snap := TakeSnapshot()

	t.mu.Lock()
	t.seq++
	t.crashCount++
	t.lastCrashTime = time.Now()
	t.lastCrashQuery = query

	rec := CrashRecord{
		Sequence:     t.seq,
		Timestamp:    t.lastCrashTime,
		Query:        query,
		Params:       params,
		ErrorType:    errorType(err),
		ErrorMessage: err.Error(),
		StackTrace:   string(debug.Stack()),
		System:       snap,
	}
	count := t.crashCount
	journal := t.journal
	t.mu.Unlock()

	metrics.CrashesTotal.Inc()
	t.log.Error().
		Uint64("crash_count", count).
		Str("query", query).
		Str("error_type", rec.ErrorType).
		Str("error", rec.ErrorMessage).
		Float64("memory_mb", snap.MemoryMB).
		Float64("cpu_percent", snap.CPUPercent).
		Int32("thread_count", snap.ThreadCount).
		Msg("crash recorded")

	if journal != nil {
		if jerr := journal.Append(rec); jerr != nil {
			t.log.Warn().Err(jerr).Msg("failed to persist crash record")
		}
	}
	return rec
}

// CrashCount returns the monotonic crash counter.
func (t *Tracker) CrashCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashCount
}

// HistoryLen returns the current size of the recent-query history.
func (t *Tracker) HistoryLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

// DebugInfo returns crash counters, the tail of the query history, and a
// fresh system snapshot.
func (t *Tracker) DebugInfo() DebugInfo {
	snap := TakeSnapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.history
	if len(recent) > recentQueryCount {
		recent = recent[len(recent)-recentQueryCount:]
	}
	out := make([]QueryRecord, len(recent))
	copy(out, recent)

	info := DebugInfo{
		CrashCount:     t.crashCount,
		LastCrashQuery: t.lastCrashQuery,
		RecentQueries:  out,
		SystemInfo:     snap,
	}
	if !t.lastCrashTime.IsZero() {
		info.LastCrashTime = t.lastCrashTime.Format(time.RFC3339Nano)
	}
	return info
}

// errorType names the failure class: the gateway error kind when available,
// otherwise the dynamic Go type.
func errorType(err error) string {
	if kind := errs.KindOf(err); kind != errs.KindUnknown {
		return kind.String()
	}
	return fmt.Sprintf("%T", err)
}
