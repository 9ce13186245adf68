package strata

import (
	"errors"
	"testing"
)

// -----------------------------------------------------------------------------
// Engine resolution matrix
// -----------------------------------------------------------------------------

func TestResolveEngine_KnownType_InsertsCanonical(t *testing.T) {
	known := []struct {
		ft     FileType
		engine string
	}{
		{NetCDF3, "cdf"},
		{NetCDF4, "hdf5"},
		{Zarr, "zarr"},
		{GRIB, "grib2"},
		{OPeNDAP, "dap"},
	}

	for _, tc := range known {
		diags := NewDiagnosticCollector()
		resolved, err := ResolveEngine(tc.ft, nil, diags)
		if err != nil {
			t.Fatalf("%s: ResolveEngine failed: %v", tc.ft, err)
		}
		if got := resolved["engine"]; got != tc.engine {
			t.Errorf("%s: engine = %v, want %q", tc.ft, got, tc.engine)
		}
		if n := len(diags.All()); n != 0 {
			t.Errorf("%s: expected no diagnostics, got %d", tc.ft, n)
		}
	}
}

func TestResolveEngine_MatchingExplicit_WarnsOnce(t *testing.T) {
	diags := NewDiagnosticCollector()
	resolved, err := ResolveEngine(NetCDF4, OpenOptions{"engine": "hdf5"}, diags)
	if err != nil {
		t.Fatalf("ResolveEngine failed: %v", err)
	}
	if got := resolved["engine"]; got != "hdf5" {
		t.Errorf("engine = %v, want %q", got, "hdf5")
	}
	warnings := diags.ByCode(CodeEngineRedundant)
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one redundancy warning, got %d", len(warnings))
	}
	if warnings[0].Severity != SeverityWarning {
		t.Errorf("severity = %v, want warning", warnings[0].Severity)
	}
}

func TestResolveEngine_ConflictingExplicit_Fails(t *testing.T) {
	for _, ft := range []FileType{NetCDF3, NetCDF4, Zarr, GRIB, OPeNDAP} {
		_, err := ResolveEngine(ft, OpenOptions{"engine": "wrong"}, nil)
		if !errors.Is(err, ErrEngineConflict) {
			t.Errorf("%s: expected ErrEngineConflict, got: %v", ft, err)
		}

		var conflict *EngineConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("%s: expected EngineConflictError, got %T", ft, err)
		}
		if conflict.Given != "wrong" || conflict.FileType != ft {
			t.Errorf("%s: conflict = %+v", ft, conflict)
		}
	}
}

func TestResolveEngine_UnknownType_NoEngine_WarnsAutoDetect(t *testing.T) {
	diags := NewDiagnosticCollector()
	resolved, err := ResolveEngine(Unknown, nil, diags)
	if err != nil {
		t.Fatalf("ResolveEngine failed: %v", err)
	}
	if _, ok := resolved["engine"]; ok {
		t.Error("unknown type must not receive an engine")
	}
	if len(diags.ByCode(CodeEngineAutoDetect)) != 1 {
		t.Errorf("expected one auto-detect warning, got %d", len(diags.All()))
	}
}

func TestResolveEngine_UnknownType_ExplicitEngine_PassesThrough(t *testing.T) {
	diags := NewDiagnosticCollector()
	resolved, err := ResolveEngine(Unknown, OpenOptions{"engine": "exotic"}, diags)
	if err != nil {
		t.Fatalf("ResolveEngine failed: %v", err)
	}
	if got := resolved["engine"]; got != "exotic" {
		t.Errorf("engine = %v, want %q", got, "exotic")
	}
	if n := len(diags.All()); n != 0 {
		t.Errorf("expected no diagnostics, got %d", n)
	}
}

func TestResolveEngine_NonStringEngine_KnownType_Fails(t *testing.T) {
	_, err := ResolveEngine(GRIB, OpenOptions{"engine": 42}, nil)
	if !errors.Is(err, ErrEngineConflict) {
		t.Errorf("expected ErrEngineConflict for non-string engine, got: %v", err)
	}
}

func TestResolveEngine_DoesNotMutateCaller(t *testing.T) {
	options := OpenOptions{"chunks": "auto"}
	resolved, err := ResolveEngine(NetCDF3, options, nil)
	if err != nil {
		t.Fatalf("ResolveEngine failed: %v", err)
	}
	if _, ok := options["engine"]; ok {
		t.Error("caller map was mutated")
	}
	if resolved["chunks"] != "auto" {
		t.Error("unrelated options must carry over")
	}
	if resolved["engine"] != "cdf" {
		t.Errorf("engine = %v, want cdf", resolved["engine"])
	}
}

func TestCanonicalEngine_UnknownHasNone(t *testing.T) {
	if _, ok := CanonicalEngine(Unknown); ok {
		t.Error("Unknown must have no canonical engine")
	}
	if engine, ok := CanonicalEngine(GRIB); !ok || engine != "grib2" {
		t.Errorf("CanonicalEngine(GRIB) = %q, %v", engine, ok)
	}
}

func TestParseFileType(t *testing.T) {
	if ft, ok := ParseFileType("netcdf4"); !ok || ft != NetCDF4 {
		t.Errorf("ParseFileType(netcdf4) = %q, %v", ft, ok)
	}
	if ft, ok := ParseFileType("hdf4"); ok || ft != Unknown {
		t.Errorf("ParseFileType(hdf4) = %q, %v", ft, ok)
	}
}
