package errors

import (
	"sort"
	"sync"
	"time"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// ComponentError is an operational fault raised by a long-running component
// (bus, history writer, discovery). These never reach request callers.
type ComponentError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *ComponentError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *ComponentError) Unwrap() error {
	return e.Err
}

// entry wraps a ComponentError with its last-reported time for expiry tracking.
type entry struct {
	err        ComponentError
	lastReport time.Time
}

// ErrorCollector is a thread-safe store for active component errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock.
func NewErrorCollector(clock Clock) *ErrorCollector {
	if clock == nil {
		clock = RealClock{}
	}
	return &ErrorCollector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err ComponentError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	if err.Timestamp == 0 {
		err.Timestamp = now.UnixMilli()
	}
	ec.entries[key(err.Code, err.Component)] = entry{
		err:        err,
		lastReport: now,
	}
}

// ReportErr is a convenience wrapper that builds the ComponentError from err.
// A nil collector is tolerated so optional wiring stays terse.
func (ec *ErrorCollector) ReportErr(code Code, component string, err error) {
	if ec == nil || err == nil {
		return
	}
	ec.Report(ComponentError{
		Code:      code,
		Message:   err.Error(),
		Component: component,
		Err:       err,
	})
}

// Resolve drops an error once the component has recovered.
func (ec *ErrorCollector) Resolve(code Code, component string) {
	if ec == nil {
		return
	}
	ec.mu.Lock()
	delete(ec.entries, key(code, component))
	ec.mu.Unlock()
}

// GetActiveErrors returns all errors reported within the TTL window, ordered
// by component then code.
func (ec *ErrorCollector) GetActiveErrors() []ComponentError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]ComponentError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Component != result[j].Component {
			return result[i].Component < result[j].Component
		}
		return result[i].Code < result[j].Code
	})
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	sort.Strings(codes)
	return codes
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries = make(map[string]entry)
}
