// Package sklog offers leveled, glog-backed logging shared by every
// dispatcher package. It exists so call sites never reach for the bare
// "log" package or fmt.Println — a single logging surface makes it possible
// to point the whole process at a different sink later without touching
// callers.
package sklog

import (
	"fmt"

	"github.com/skia-dev/glog"
)

const (
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	ALERT   = "ALERT"
)

func Debug(msg ...interface{})                 { logToGlog(3, DEBUG, fmt.Sprint(msg...)) }
func Debugf(format string, v ...interface{})   { logToGlog(3, DEBUG, fmt.Sprintf(format, v...)) }
func Info(msg ...interface{})                  { logToGlog(3, INFO, fmt.Sprint(msg...)) }
func Infof(format string, v ...interface{})    { logToGlog(3, INFO, fmt.Sprintf(format, v...)) }
func Warning(msg ...interface{})               { logToGlog(3, WARNING, fmt.Sprint(msg...)) }
func Warningf(format string, v ...interface{}) { logToGlog(3, WARNING, fmt.Sprintf(format, v...)) }
func Error(msg ...interface{})                 { logToGlog(3, ERROR, fmt.Sprint(msg...)) }
func Errorf(format string, v ...interface{})   { logToGlog(3, ERROR, fmt.Sprintf(format, v...)) }

// Fatal logs at ALERT through glog.FatalDepth, which exits the process; the
// panic after it runs only if that call returns.
func Fatal(msg ...interface{}) {
	logToGlog(3, ALERT, fmt.Sprint(msg...))
	glog.Flush()
	panic(fmt.Sprint(msg...))
}

func Fatalf(format string, v ...interface{}) {
	logToGlog(3, ALERT, fmt.Sprintf(format, v...))
	glog.Flush()
	panic(fmt.Sprintf(format, v...))
}

// Flush flushes any buffered log entries. Callers should defer this from
// main() so a panic doesn't eat the last few lines.
func Flush() {
	glog.Flush()
}

func logToGlog(depth int, severity string, msg interface{}) {
	switch severity {
	case DEBUG, INFO:
		glog.InfoDepth(depth, msg)
	case WARNING:
		glog.WarningDepth(depth, msg)
	case ERROR:
		glog.ErrorDepth(depth, msg)
	case ALERT:
		glog.FatalDepth(depth, msg)
	default:
		glog.ErrorDepth(depth, msg)
	}
}
