package kernel

import (
	"go.uber.org/zap"
)

var (
	// haltFn is invoked once the panic message has been logged. On the
	// hosted build there is no CPU to stop so the error is re-raised as a Go
	// panic; tests override it to observe halts without unwinding.
	haltFn = func(err *Error) { panic(err) }

	// panicLogger receives the panic banner. It defaults to a no-op logger
	// until SetPanicLogger is called by the startup code.
	panicLogger = zap.NewNop()

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetPanicLogger sets the logger that Panic reports to. Passing nil restores
// the no-op logger.
func SetPanicLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	panicLogger = l
}

// Panic reports the supplied error (if not nil) and halts. Calls to Panic
// never return. It is used for contract violations: programming errors that
// leave the memory subsystem in a state that cannot be recovered from.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		err = &Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	if err != nil {
		panicLogger.Error("unrecoverable error",
			zap.String("module", err.Module),
			zap.String("message", err.Message),
		)
	} else {
		err = errRuntimePanic
	}
	panicLogger.Error("*** kernel panic: system halted ***")
	_ = panicLogger.Sync()

	haltFn(err)
}
