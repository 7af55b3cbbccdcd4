// Package logging provides debug logging for protocol-level troubleshooting.
// The Vacvision wire format is undocumented, so hex dumps of the raw traffic
// are often the only way to diagnose a failed exchange.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose debug output to a dedicated file. It is intended
// for troubleshooting wire-level issues: rejected handshakes, malformed
// frames, unexpected acknowledge sequences.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // component filters (empty = log all)
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known component names for filtering.
var knownComponents = []string{
	"vacvision",
	"sdb",
	"cache",
	"monitor",
	"mqtt",
	"valkey",
	"kafka",
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts logging to the given components. The filter is a
// comma-separated list; empty means log everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" {
		return
	}
	for _, part := range strings.Split(filter, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			l.filters[part] = true
		}
	}
}

// shouldLog reports whether the component passes the current filter.
func (l *DebugLogger) shouldLog(component string) bool {
	if len(l.filters) == 0 {
		return true
	}
	return l.filters[strings.ToLower(component)]
}

// Log writes a timestamped message for the given component.
func (l *DebugLogger) Log(component, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(component) {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, strings.ToUpper(component), msg)
}

// LogHex writes a message followed by a hex dump of data.
func (l *DebugLogger) LogHex(component, label string, data []byte) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(component) {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes)\n%s\n",
		timestamp, strings.ToUpper(component), label, len(data), hexDump(data))
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// SetGlobalDebugLogger installs a process-wide debug logger used by the
// package-level functions below.
func SetGlobalDebugLogger(l *DebugLogger) {
	globalDebugMu.Lock()
	globalDebugLogger = l
	globalDebugMu.Unlock()
}

// KnownComponents returns the component names recognized by SetFilter.
func KnownComponents() []string {
	out := make([]string, len(knownComponents))
	copy(out, knownComponents)
	return out
}

// DebugLog writes to the global debug logger, if one is installed.
func DebugLog(component, format string, args ...interface{}) {
	globalDebugMu.RLock()
	l := globalDebugLogger
	globalDebugMu.RUnlock()
	l.Log(component, format, args...)
}

// DebugHex dumps raw bytes to the global debug logger, if one is installed.
func DebugHex(component, label string, data []byte) {
	globalDebugMu.RLock()
	l := globalDebugLogger
	globalDebugMu.RUnlock()
	l.LogHex(component, label, data)
}

// hexDump renders data in the classic offset/hex/ASCII layout.
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))

		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteString(" ")
			}
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}

		sb.WriteString(" |")
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 0x20 && b < 0x7F {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|")

		if offset+16 < len(data) {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
