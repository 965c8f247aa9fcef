package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another build.
type VersionError struct {
	Version int
	Newer   bool
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Newer {
		return fmt.Sprintf("config version %d is newer than this build (reads %d); upgrade codrawer", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is not supported; set `version: %d`", e.Version, CurrentVersion)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	switch {
	case version == CurrentVersion:
		return nil
	case version > CurrentVersion:
		return &VersionError{Version: version, Newer: true}
	default:
		return &VersionError{Version: version}
	}
}
