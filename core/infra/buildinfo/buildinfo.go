package buildinfo

import (
	"fmt"
	"log"
	"runtime"
)

// Set via -ldflags at release build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s go=%s", Version, Commit, runtime.Version())
}

// Log writes the build summary with the service name.
func Log(service string) {
	log.Printf("%s %s", service, Info())
}
