package session

import (
	"os"
	"runtime"

	"github.com/gosuda/punchclock/internal/audit"
)

// SourceLifecycle is the audit source of process lifecycle records.
const SourceLifecycle = "lifecycle"

const MsgProcessStarted = "process started"

// Info identifies the running build.
type Info struct {
	Version string
}

// Start writes the "process started" record that opens every run.
func Start(log *audit.Logger, info Info) {
	log.Emit(audit.NewRecord(audit.SeverityInfo, SourceLifecycle, MsgProcessStarted, audit.Fields{
		"pid":     os.Getpid(),
		"version": info.Version,
		"run_id":  log.RunID(),
		"go":      runtime.Version(),
	}))
}
