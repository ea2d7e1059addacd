package tlog

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// BuildVersion is the compiled-in release version of this tlog binary/library.
var BuildVersion = strings.TrimSpace(versionFile)
