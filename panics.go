package evaluation

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicLogger receives a recovered panic value and the cleaned stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a function meant to be deferred; it recovers a
// panic and hands it to logger.
//
//	defer MakePanicHandler(LoggerPanicLogger(log))("worker.run")
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			fullStack := make([]byte, 8096)
			n := runtime.Stack(fullStack, false)
			logger(funcName, err, cleanStackTrace(fullStack[:n]), fields...)
		}
	}
}

// LoggerPanicLogger reports recovered panics through logger at error level.
func LoggerPanicLogger(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		l := logger
		if len(fields) > 0 && fields[0] != nil {
			l = WithLoggerFields(l, fields[0])
		}
		l.Error("recovered from panic",
			"func", funcName,
			"panic", fmt.Sprint(err),
			"panic_type", fmt.Sprintf("%T", err),
			"stack", string(stack),
		)
	}
}

// RecoverTo runs fn and converts a panic into an error.
func RecoverTo(funcName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			err = NewError(ErrPanic, fmt.Sprintf("panic in %s: %v", funcName, r), nil, map[string]any{
				"stack": string(cleanStackTrace(stack[:n])),
			})
		}
	}()
	return fn()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
