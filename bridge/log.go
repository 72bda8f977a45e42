package bridge

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `bridge` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connection loss and reconnect attempts
//     - transport errors
// Error:
//     protocol faults that the session cannot recover from on its own
// Debug:
//     key events for trace debugging
//     this includes:
//     - session lifecycle events with user ids that can be used to filter
//     - frequent events (send, receive, ack) only at glog.V(2)

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

type LogFunction func(format string, a ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

// a sink that drops everything
func NoopLogFn() LogFunction {
	return func(format string, a ...any) {}
}
