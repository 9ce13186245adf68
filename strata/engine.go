package strata

import "fmt"

// -----------------------------------------------------------------------------
// Engine resolution
// -----------------------------------------------------------------------------

// engineKey is the OpenOptions key holding the explicit engine selector.
const engineKey = "engine"

// canonicalEngines maps each known file type to its designated
// materialization backend. Unknown has no entry.
var canonicalEngines = map[FileType]string{
	NetCDF3: "cdf",
	NetCDF4: "hdf5",
	Zarr:    "zarr",
	GRIB:    "grib2",
	OPeNDAP: "dap",
}

// CanonicalEngine returns the designated engine for a file type and whether
// one exists. Unknown has none.
func CanonicalEngine(ft FileType) (string, bool) {
	engine, ok := canonicalEngines[ft]
	return engine, ok
}

// EngineConflictError reports an explicit engine that contradicts the
// canonical engine for the declared file type. A mismatch is likely a caller
// error about the true type, so it is fatal rather than advisory.
type EngineConflictError struct {
	FileType  FileType
	Canonical string
	Given     string
}

func (e *EngineConflictError) Error() string {
	return fmt.Sprintf(
		"strata: engine %q conflicts with file type %q (canonical engine %q); "+
			"remove the engine option, or declare a different file type if the input is not %q",
		e.Given, e.FileType, e.Canonical, e.FileType)
}

func (e *EngineConflictError) Unwrap() error { return ErrEngineConflict }

// ResolveEngine reconciles a declared file type with the explicit engine in
// options, returning a fresh options map with the engine settled.
//
// The matrix is asymmetric on purpose: a matching explicit engine is
// harmless noise and only warns; a mismatch risks silently reading the file
// with the wrong backend and fails.
//
//   - Unknown type, no engine: warns that the backend will be auto-detected.
//   - Unknown type, explicit engine: passed through unchanged.
//   - Known type, no engine: the canonical engine is inserted.
//   - Known type, engine == canonical: warns that the option is redundant.
//   - Known type, engine != canonical: fails with EngineConflictError.
//
// The caller's map is never mutated. A nil diags falls back to
// NopDiagnostics.
func ResolveEngine(ft FileType, options OpenOptions, diags Diagnostics) (OpenOptions, error) {
	if diags == nil {
		diags = NopDiagnostics()
	}

	resolved := make(OpenOptions, len(options)+1)
	for k, v := range options {
		resolved[k] = v
	}

	canonical, known := canonicalEngines[ft]
	raw, hasExplicit := resolved[engineKey]
	explicit, isString := raw.(string)
	if hasExplicit && !isString {
		// A non-string engine can never equal the canonical engine.
		explicit = fmt.Sprint(raw)
	}

	if !known {
		if !hasExplicit {
			diags.Record(SeverityWarning, CodeEngineAutoDetect,
				"unknown file type with no engine option; the materialization backend will be auto-detected")
		}
		return resolved, nil
	}

	if !hasExplicit {
		resolved[engineKey] = canonical
		return resolved, nil
	}

	if explicit != canonical {
		return nil, &EngineConflictError{FileType: ft, Canonical: canonical, Given: explicit}
	}

	diags.Record(SeverityWarning, CodeEngineRedundant, fmt.Sprintf(
		"engine %q is already the canonical engine for file type %q; the engine option can be removed",
		explicit, ft))
	return resolved, nil
}
