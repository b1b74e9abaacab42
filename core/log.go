package core

import "log"

// logf reports operational diagnostics that do not abort the calling
// operation — orphaned on-disk files, best-effort cleanup failures,
// merge abort notices. The engine never introduces a structured
// logging dependency for this: its logging surface is a handful of
// warning call sites, not request-scoped service telemetry.
func logf(format string, args ...any) {
	log.Printf("core: "+format, args...)
}
