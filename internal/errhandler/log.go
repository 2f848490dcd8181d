package errhandler

import (
	"sync"

	"github.com/MrWong99/equipguard/internal/apierror"
	"github.com/MrWong99/equipguard/internal/ring"
)

// DefaultMaxLogSize is the error log capacity when none is configured.
const DefaultMaxLogSize = 100

// AdvancedMetrics summarizes the contents of an [ErrorLog].
type AdvancedMetrics struct {
	Total        int                       `json:"total"`
	ByType       map[apierror.Type]int     `json:"by_type"`
	ByStatusCode map[int]int               `json:"by_status_code"`
	ByCategory   map[apierror.Category]int `json:"by_category"`

	// RecoveryRate is the share of attempted recoveries that succeeded, or 0
	// when none were attempted.
	RecoveryRate float64 `json:"recovery_rate"`
}

// ErrorLog is a bounded FIFO of processed errors. Once full, each insert
// evicts the oldest entry regardless of how often entries are read.
// It is safe for concurrent use.
type ErrorLog struct {
	mu  sync.Mutex
	buf *ring.Buffer[*apierror.ProcessedError]
}

// NewErrorLog creates an [ErrorLog] holding at most maxSize entries.
// A non-positive maxSize selects [DefaultMaxLogSize].
func NewErrorLog(maxSize int) *ErrorLog {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	return &ErrorLog{buf: ring.New[*apierror.ProcessedError](maxSize)}
}

// Add appends p, evicting the oldest entry when the log is full.
func (l *ErrorLog) Add(p *apierror.ProcessedError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Push(p)
}

// Entries returns the logged errors, oldest first.
func (l *ErrorLog) Entries() []*apierror.ProcessedError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Slice()
}

// Len returns the number of logged errors.
func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Len()
}

// Clear empties the log.
func (l *ErrorLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Clear()
}

// Metrics aggregates the current contents of the log.
func (l *ErrorLog) Metrics() AdvancedMetrics {
	m := AdvancedMetrics{
		ByType:       make(map[apierror.Type]int),
		ByStatusCode: make(map[int]int),
		ByCategory:   make(map[apierror.Category]int),
	}
	var attempted, recovered int

	l.mu.Lock()
	l.buf.Do(func(p *apierror.ProcessedError) {
		m.Total++
		m.ByType[p.Type]++
		m.ByCategory[p.Category]++
		if p.StatusCode != 0 {
			m.ByStatusCode[p.StatusCode]++
		}
		if p.RecoveryAttempted() {
			attempted++
			if !p.RecoveryFailed() {
				recovered++
			}
		}
	})
	l.mu.Unlock()

	if attempted > 0 {
		m.RecoveryRate = float64(recovered) / float64(attempted)
	}
	return m
}
