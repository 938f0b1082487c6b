package jsengine

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var removedGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// secure strips host globals from vm and installs a console that writes to logger.
func secure(vm *goja.Runtime, logger *zap.Logger, allowEval bool) error {
	for _, name := range removedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if !allowEval {
		err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed"))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	console := vm.NewObject()
	logFn := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			level("script console", zap.Any("args", args))
			return goja.Undefined()
		}
	}
	if err := console.Set("log", logFn(logger.Debug)); err != nil {
		return err
	}
	if err := console.Set("warn", logFn(logger.Warn)); err != nil {
		return err
	}
	if err := console.Set("error", logFn(logger.Error)); err != nil {
		return err
	}
	return vm.Set("console", console)
}
