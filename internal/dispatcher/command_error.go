package dispatcher

import "fmt"

// Code is one of the stable error classes a command reply can carry.
type Code string

const (
	CodeParseError      Code = "ParseError"
	CodeUnknownCommand  Code = "UnknownCommand"
	CodeMissingArgument Code = "MissingArgument"
	CodeAlreadyRunning  Code = "AlreadyRunning"
	CodeNotRunning      Code = "NotRunning"
	CodeConfigNotFound  Code = "ConfigNotFound"
	CodeTransitionError Code = "TransitionError"
	CodeSpawnError      Code = "SpawnError"
	CodeStartupFailed   Code = "StartupFailed"
	CodeLogIoError      Code = "LogIoError"
	CodeInternalError   Code = "InternalError"
)

// CommandError is the structured failure a handler returns; it is never
// allowed to escape as a Go panic or process exit, only as a reply field.
type CommandError struct {
	Code    Code
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

func newCommandError(code Code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}
