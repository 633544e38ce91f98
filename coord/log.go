package coord

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `coord` package and generally for DwellDesk
// coordination components:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - gateway reconnects and watch errors
//     - abnormal exits
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key events with ids that can be used to filter
//     - skipped records, state machine refusals
// V(2):
//     frequent events - e.g. snapshot deliveries, republishes -
//     summarized where possible rather than logged per data point

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
