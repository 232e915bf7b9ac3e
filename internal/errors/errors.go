// Package errors provides structured error types for codemachine.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes for codemachine operations.
const (
	// Config errors
	CodeConfigMissingField = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue = "CONFIG_002" // Invalid value

	// Workflow template errors (fatal before any step runs)
	CodeWorkflowParse         = "WF_001" // Template parse error
	CodeWorkflowUnknownAgent  = "WF_002" // Step references unknown agent
	CodeWorkflowUnknownEngine = "WF_003" // Step references unknown engine
	CodeWorkflowDuplicateStep = "WF_004" // Two steps share an id
	CodeWorkflowInvalidLoop   = "WF_005" // Loop behavior is malformed
	CodeWorkflowEmpty         = "WF_006" // Template has no steps

	// Engine errors
	CodeEngineBinaryNotInstalled = "ENGINE_001" // CLI binary missing from PATH
	CodeEngineNotFound           = "ENGINE_002" // Engine id not registered

	// Auth errors
	CodeAuthMissing    = "AUTH_001" // No credentials
	CodeAuthIncomplete = "AUTH_002" // Login flow ran but credentials are still absent

	// Process errors
	CodeProcessNonZeroExit = "PROC_001" // Non-zero exit status
	CodeProcessTimeout     = "PROC_002" // Deadline exceeded
	CodeProcessCancelled   = "PROC_003" // Cooperative cancellation
	CodeProcessIO          = "PROC_004" // Spawn or pipe failure

	// Stream errors
	CodeStreamMalformedEvent = "STREAM_001" // Unparsable protocol line

	// Loop errors
	CodeLoopBudgetExhausted = "LOOP_001" // maxIterations reached

	// Ledger errors
	CodeLedgerParse    = "LEDGER_001" // Ledger file is not valid JSON
	CodeLedgerNotFound = "LEDGER_002" // Task id not in ledger

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOReadError    = "IO_004" // Read error
	CodeIOWriteError   = "IO_005" // Write error
)

// diagnosticLines is how many trailing output lines a process failure keeps.
const diagnosticLines = 10

// MachineError is the structured error type for codemachine operations.
type MachineError struct {
	Code    string         `json:"code"`              // Error code (e.g., "PROC_002")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (step, engine, path, etc.)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *MachineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *MachineError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *MachineError) WithDetail(key string, value any) *MachineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *MachineError) WithCause(err error) *MachineError {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *MachineError) MarshalJSON() ([]byte, error) {
	type alias MachineError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new MachineError.
func New(code, message string) *MachineError {
	return &MachineError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new MachineError with formatted message.
func Newf(code, format string, args ...any) *MachineError {
	return &MachineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a MachineError.
func Wrap(code, message string, err error) *MachineError {
	return &MachineError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigMissingField creates an error for missing config field.
func ConfigMissingField(field string) *MachineError {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *MachineError {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// --- Workflow Errors ---

// WorkflowParse creates an error for an unreadable template.
func WorkflowParse(path string, err error) *MachineError {
	return Wrap(CodeWorkflowParse, "failed to parse workflow template", err).
		WithDetail("path", path)
}

// WorkflowUnknownAgent creates an error for a step bound to an undefined agent.
func WorkflowUnknownAgent(stepID, agentID string) *MachineError {
	return Newf(CodeWorkflowUnknownAgent, "step %s references unknown agent %q", stepID, agentID).
		WithDetail("step", stepID).
		WithDetail("agent", agentID)
}

// WorkflowUnknownEngine creates an error for a step bound to an unregistered engine.
func WorkflowUnknownEngine(stepID, engineID string) *MachineError {
	return Newf(CodeWorkflowUnknownEngine, "step %s references unknown engine %q", stepID, engineID).
		WithDetail("step", stepID).
		WithDetail("engine", engineID)
}

// WorkflowDuplicateStep creates an error for a repeated step id.
func WorkflowDuplicateStep(stepID string) *MachineError {
	return Newf(CodeWorkflowDuplicateStep, "duplicate step id %q", stepID).
		WithDetail("step", stepID)
}

// WorkflowInvalidLoop creates an error for a malformed loop behavior.
func WorkflowInvalidLoop(stepID, reason string) *MachineError {
	return Newf(CodeWorkflowInvalidLoop, "step %s has invalid loop: %s", stepID, reason).
		WithDetail("step", stepID).
		WithDetail("reason", reason)
}

// WorkflowEmpty creates an error for a template without steps.
func WorkflowEmpty(path string) *MachineError {
	return Newf(CodeWorkflowEmpty, "workflow template %s has no steps", path).
		WithDetail("path", path)
}

// --- Engine Errors ---

// BinaryNotInstalled creates an error for a provider CLI missing from PATH.
func BinaryNotInstalled(binary, installCommand string) *MachineError {
	msg := fmt.Sprintf("%s is not installed or not on PATH", binary)
	if installCommand != "" {
		msg += fmt.Sprintf("; install it with: %s", installCommand)
	}
	return New(CodeEngineBinaryNotInstalled, msg).
		WithDetail("binary", binary).
		WithDetail("install", installCommand)
}

// EngineNotFound creates an error for an unregistered engine id.
func EngineNotFound(id string) *MachineError {
	return Newf(CodeEngineNotFound, "engine not registered: %s", id).
		WithDetail("engine", id)
}

// --- Auth Errors ---

// AuthMissing creates an error for a provider without credentials.
func AuthMissing(engineID, remediation string) *MachineError {
	return Newf(CodeAuthMissing, "%s is not authenticated: %s", engineID, remediation).
		WithDetail("engine", engineID)
}

// AuthIncomplete creates an error for a login flow that left no credentials behind.
func AuthIncomplete(engineID, remediation string) *MachineError {
	return Newf(CodeAuthIncomplete, "%s authentication did not complete: %s", engineID, remediation).
		WithDetail("engine", engineID)
}

// --- Process Errors ---

// ProcessNonZeroExit creates an error for a failed child process. Only the
// last few lines of diagnostics are kept.
func ProcessNonZeroExit(command string, exitCode int, diagnostics string) *MachineError {
	tail := TailLines(diagnostics, diagnosticLines)
	msg := fmt.Sprintf("%s exited with code %d", command, exitCode)
	if tail != "" {
		msg += "\n" + tail
	}
	return New(CodeProcessNonZeroExit, msg).
		WithDetail("command", command).
		WithDetail("exit_code", exitCode)
}

// ProcessTimeout creates an error for a child process that outlived its deadline.
func ProcessTimeout(command string, timeout any) *MachineError {
	return Newf(CodeProcessTimeout, "%s timed out after %v", command, timeout).
		WithDetail("command", command).
		WithDetail("timeout", fmt.Sprint(timeout))
}

// ProcessCancelled creates an error for a cooperatively cancelled child process.
func ProcessCancelled(command string, cause error) *MachineError {
	return Wrap(CodeProcessCancelled, fmt.Sprintf("%s was cancelled", command), cause).
		WithDetail("command", command)
}

// ProcessIO creates an error for spawn or pipe failures.
func ProcessIO(command string, err error) *MachineError {
	return Wrap(CodeProcessIO, fmt.Sprintf("running %s", command), err).
		WithDetail("command", command)
}

// MalformedStreamEvent creates an error for an unparsable protocol line.
func MalformedStreamEvent(engineID string, err error) *MachineError {
	return Wrap(CodeStreamMalformedEvent, "malformed stream event", err).
		WithDetail("engine", engineID)
}

// LoopBudgetExhausted creates an error for a loop that hit maxIterations.
func LoopBudgetExhausted(stepID, loopID string, max int) *MachineError {
	return Newf(CodeLoopBudgetExhausted, "loop %s on step %s reached %d iterations", loopID, stepID, max).
		WithDetail("step", stepID).
		WithDetail("loop", loopID).
		WithDetail("max_iterations", max)
}

// --- Ledger Errors ---

// LedgerParse creates an error for an unreadable ledger file.
func LedgerParse(path string, err error) *MachineError {
	return Wrap(CodeLedgerParse, "failed to parse task ledger", err).
		WithDetail("path", path)
}

// LedgerTaskNotFound creates an error for an unknown task id.
func LedgerTaskNotFound(id string) *MachineError {
	return Newf(CodeLedgerNotFound, "task not found: %s", id).
		WithDetail("task", id)
}

// --- IO Errors ---

// IOFileNotFound creates an error for missing file.
func IOFileNotFound(path string) *MachineError {
	return Newf(CodeIOFileNotFound, "file not found: %s", path).
		WithDetail("path", path)
}

// IOReadError creates an error for read failures.
func IOReadError(path string, err error) *MachineError {
	return Wrap(CodeIOReadError, "failed to read file", err).
		WithDetail("path", path)
}

// IOWriteError creates an error for write failures.
func IOWriteError(path string, err error) *MachineError {
	return Wrap(CodeIOWriteError, "failed to write file", err).
		WithDetail("path", path)
}

// HasCode checks if an error is a MachineError with the given code.
// It handles wrapped errors by unwrapping to find a MachineError.
func HasCode(err error, code string) bool {
	var merr *MachineError
	if errors.As(err, &merr) {
		return merr.Code == code
	}
	return false
}

// Code returns the error code if err is a MachineError, empty string otherwise.
func Code(err error) string {
	var merr *MachineError
	if errors.As(err, &merr) {
		return merr.Code
	}
	return ""
}

// IsTimeout reports whether err is a process timeout.
func IsTimeout(err error) bool {
	return HasCode(err, CodeProcessTimeout)
}

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool {
	return HasCode(err, CodeProcessCancelled)
}

// IsFatalToRun reports whether err must stop the whole orchestration run
// instead of being handled at the step boundary.
func IsFatalToRun(err error) bool {
	switch Code(err) {
	case CodeWorkflowParse, CodeWorkflowUnknownAgent, CodeWorkflowUnknownEngine,
		CodeWorkflowDuplicateStep, CodeWorkflowInvalidLoop, CodeWorkflowEmpty,
		CodeConfigMissingField, CodeConfigInvalidValue:
		return true
	}
	return false
}

// IsEngineUnavailable reports whether err means the engine cannot run at all
// (binary missing or no credentials), so retrying the same step is pointless.
func IsEngineUnavailable(err error) bool {
	switch Code(err) {
	case CodeEngineBinaryNotInstalled, CodeAuthMissing, CodeAuthIncomplete, CodeEngineNotFound:
		return true
	}
	return false
}

// TailLines returns the last n non-empty-trailing lines of s.
func TailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
