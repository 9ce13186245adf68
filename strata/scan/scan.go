// Package scan wires the format scanners into a registry consumable by
// strata.NewReferenceBuilder.
package scan

import (
	"github.com/justapithecus/strata/strata"
	"github.com/justapithecus/strata/strata/scan/grib"
	"github.com/justapithecus/strata/strata/scan/hdf5"
	"github.com/justapithecus/strata/strata/scan/netcdf3"
)

// Defaults returns the scanner registry for every scannable file type,
// resolving URL sources through the local filesystem. NetCDF-4 files are
// HDF5 files, so both share the hdf5 scanner.
func Defaults() map[strata.FileType]strata.Scanner {
	return map[strata.FileType]strata.Scanner{
		strata.NetCDF3: netcdf3.New(),
		strata.NetCDF4: hdf5.New(),
		strata.GRIB:    grib.New(),
	}
}

// DefaultsWithFilesystem returns the same registry with URL sources
// resolved through the given filesystem, e.g. an S3 adapter.
func DefaultsWithFilesystem(fs strata.Filesystem) map[strata.FileType]strata.Scanner {
	return map[strata.FileType]strata.Scanner{
		strata.NetCDF3: netcdf3.NewWithFilesystem(fs),
		strata.NetCDF4: hdf5.NewWithFilesystem(fs),
		strata.GRIB:    grib.NewWithFilesystem(fs),
	}
}
