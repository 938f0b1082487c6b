package jsengine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeContract ErrorType = "contract_error"
)

// ScriptError is a failed compile or call of a script.
type ScriptError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func newContractError(format string, args ...any) *ScriptError {
	return &ScriptError{Type: ErrorTypeContract, Message: fmt.Sprintf(format, args...)}
}

// classify turns an error raised by goja into a ScriptError.
func classify(err error) *ScriptError {
	var scriptErr *ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &ScriptError{Type: ErrorTypeTimeout, Message: fmt.Sprintf("%v", interrupted.Value())}
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptError{Type: ErrorTypeSyntax, Message: syntax.Error()}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		se := &ScriptError{Type: ErrorTypeRuntime, Message: exc.Error()}
		if v := exc.Value(); v != nil {
			if obj, ok := v.(*goja.Object); ok {
				if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
					se.Stack = stack.String()
				}
			}
		}
		if strings.Contains(strings.ToLower(se.Message), "syntaxerror") {
			se.Type = ErrorTypeSyntax
		}
		return se
	}

	return &ScriptError{Type: ErrorTypeRuntime, Message: err.Error()}
}
