package device

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice           = errors.New("no compute device available")
	ErrEntryPointNotFound = errors.New("entry point not found")
	ErrPipelineCreation   = errors.New("pipeline creation failed")
	ErrReleased           = errors.New("resource already released")
)

// CompileError carries the compiler's diagnostic text.
type CompileError struct {
	Diagnostic string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error: %s", e.Diagnostic)
}
