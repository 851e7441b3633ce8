package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull = errors.New("transfer queue full")
	ErrAbandoned = errors.New("transfer abandoned before start")
)

// TransferError is a recoverable transfer failure. The paths of the failed
// job stay pending until the next change event for the same rule.
type TransferError struct {
	Rule     string
	Reason   string
	ExitCode int
	Output   string
	Err      error
}

func (e *TransferError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("transfer %s failed: %s (exit %d)", e.Rule, e.Reason, e.ExitCode)
	}
	return fmt.Sprintf("transfer %s failed: %s", e.Rule, e.Reason)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// exitReason maps rsync exit codes to a short cause.
func exitReason(code int) string {
	switch code {
	case 1:
		return "syntax or usage error"
	case 2:
		return "protocol incompatibility"
	case 3:
		return "errors selecting input/output files or dirs"
	case 5:
		return "error starting client-server protocol"
	case 10:
		return "error in socket I/O"
	case 11:
		return "error in file I/O"
	case 12:
		return "error in rsync protocol data stream"
	case 20:
		return "received SIGUSR1 or SIGINT"
	case 23:
		return "partial transfer due to error"
	case 30:
		return "timeout in data send/receive"
	case 35:
		return "timeout waiting for daemon connection"
	case 255:
		return "remote shell failed (unreachable host or authentication)"
	default:
		return "remote copy failed"
	}
}
