package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrServerStopped rejects calls that were pending when their server was stopped.
	ErrServerStopped = errors.New("server stopped")
	// ErrUnknownPlugin is returned for names that are neither tracked nor discoverable.
	ErrUnknownPlugin = errors.New("unknown plugin")
)

// ConfigurationError means the descriptor cannot be launched. The process is never spawned.
type ConfigurationError struct {
	Plugin string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("plugin %q: configuration error: %s", e.Plugin, e.Reason)
}

// SpawnError wraps an OS-level failure to create the process.
type SpawnError struct {
	Plugin string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("plugin %q: spawn failed: %v", e.Plugin, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StartupError means the process exited inside the startup window.
type StartupError struct {
	Plugin string
	Exit   string
	Stderr string
}

func (e *StartupError) Error() string {
	return withStderr(fmt.Sprintf("plugin %q: exited during startup (%s)", e.Plugin, e.Exit), e.Stderr)
}

// CrashError rejects calls that were pending when the process exited.
type CrashError struct {
	Plugin string
	Exit   string
	Stderr string
}

func (e *CrashError) Error() string {
	return withStderr(fmt.Sprintf("plugin %q: process exited (%s)", e.Plugin, e.Exit), e.Stderr)
}

// CallTimeoutError means no response arrived within the call deadline.
type CallTimeoutError struct {
	Plugin  string
	Method  string
	Tool    string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	target := e.Method
	if e.Tool != "" {
		target = e.Tool
	}
	return fmt.Sprintf("plugin %q: %s timed out after %s", e.Plugin, target, e.Timeout)
}

// DeliveryError means the request line could not be written to the plugin's stdin.
type DeliveryError struct {
	Plugin string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("plugin %q: failed to deliver request: %v", e.Plugin, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RemoteToolError carries the error member of a plugin response.
type RemoteToolError struct {
	Plugin  string
	Tool    string
	Code    *int
	Message string
}

func (e *RemoteToolError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("plugin %q: %s failed (code %d): %s", e.Plugin, e.Tool, *e.Code, e.Message)
	}
	return fmt.Sprintf("plugin %q: %s failed: %s", e.Plugin, e.Tool, e.Message)
}

// ServerError fails calls fast while a server sits in the error state.
type ServerError struct {
	Plugin  string
	Message string
	At      time.Time
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("plugin %q is in error state: %s", e.Plugin, e.Message)
}

const stderrExcerptBytes = 512

func withStderr(msg, stderr string) string {
	if stderr == "" {
		return msg
	}
	return msg + ": " + stderr
}

// ErrorKind classifies err into a short stable label. Nil yields "".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		cfgErr      *ConfigurationError
		spawnErr    *SpawnError
		startupErr  *StartupError
		crashErr    *CrashError
		timeoutErr  *CallTimeoutError
		deliveryErr *DeliveryError
		remoteErr   *RemoteToolError
		serverErr   *ServerError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &spawnErr):
		return "spawn"
	case errors.As(err, &startupErr):
		return "startup"
	case errors.As(err, &crashErr):
		return "crash"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &deliveryErr):
		return "delivery"
	case errors.As(err, &remoteErr):
		return "remote"
	case errors.As(err, &serverErr):
		return "server_error"
	case errors.Is(err, ErrServerStopped):
		return "stopped"
	case errors.Is(err, ErrUnknownPlugin):
		return "unknown_plugin"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
