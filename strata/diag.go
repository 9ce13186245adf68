package strata

import "sync"

// -----------------------------------------------------------------------------
// Diagnostics
// -----------------------------------------------------------------------------

// Severity grades a diagnostic.
type Severity int

// Severity levels. Warnings never block execution.
const (
	SeverityInfo Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Diagnostic codes for non-fatal advisories.
const (
	// CodeEngineAutoDetect: unknown file type with no explicit engine; the
	// materializer will pick a backend itself.
	CodeEngineAutoDetect = "engine-autodetect"

	// CodeEngineRedundant: explicit engine equals the canonical engine for
	// the declared file type.
	CodeEngineRedundant = "engine-redundant"

	// CodeLocalCopyNotLoaded: input was copied to a local temporary file but
	// the dataset was not eagerly loaded; the data may not be visible from
	// other hosts.
	CodeLocalCopyNotLoaded = "local-copy-not-loaded"
)

// Diagnostics receives non-fatal advisories. Implementations must be safe
// for use from a single goroutine per call; strata itself never records
// concurrently within one operation.
type Diagnostics interface {
	Record(severity Severity, code, message string)
}

// NopDiagnostics discards all diagnostics. It is the default sink.
func NopDiagnostics() Diagnostics { return nopDiagnostics{} }

type nopDiagnostics struct{}

func (nopDiagnostics) Record(Severity, string, string) {}

// Diagnostic is one recorded advisory.
type Diagnostic struct {
	Severity Severity
	Code     string
	Message  string
}

// DiagnosticCollector accumulates diagnostics in memory. Tests assert on
// the collected slice instead of capturing process-wide output.
//
// DiagnosticCollector is safe for concurrent use.
type DiagnosticCollector struct {
	mu      sync.Mutex
	records []Diagnostic
}

// NewDiagnosticCollector creates an empty collector.
func NewDiagnosticCollector() *DiagnosticCollector {
	return &DiagnosticCollector{}
}

// Record appends a diagnostic.
func (c *DiagnosticCollector) Record(severity Severity, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, Diagnostic{Severity: severity, Code: code, Message: message})
}

// All returns a copy of everything recorded so far.
func (c *DiagnosticCollector) All() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.records))
	copy(out, c.records)
	return out
}

// ByCode returns the diagnostics recorded under the given code.
func (c *DiagnosticCollector) ByCode(code string) []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Diagnostic
	for _, d := range c.records {
		if d.Code == code {
			out = append(out, d)
		}
	}
	return out
}

// Ensure implementations satisfy Diagnostics.
var (
	_ Diagnostics = nopDiagnostics{}
	_ Diagnostics = (*DiagnosticCollector)(nil)
)
