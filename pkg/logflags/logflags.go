package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var dwarfInfo = false
var debugLineErrors = false
var scanner = false
var loader = false

var logOut io.WriteCloser

var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = level
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

// makeFlaggableLogger returns a logger at debug level when flag is set.
// Otherwise only errors get through: a unit that could not be decoded is
// always worth reporting.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// DWARF returns true if the debug_info decoder should log.
func DWARF() bool {
	return dwarfInfo
}

// DWARFLogger returns a logger for the debug_info decoder.
func DWARFLogger() Logger {
	return makeFlaggableLogger(dwarfInfo, Fields{"layer": "dwarf"})
}

// DebugLineErrors returns true if pkg/dwarf/line should log its recoverable
// errors.
func DebugLineErrors() bool {
	return debugLineErrors
}

// LineLogger returns a logger for pkg/dwarf/line.
func LineLogger() Logger {
	return makeFlaggableLogger(debugLineErrors, Fields{"layer": "dwarf", "kind": "line"})
}

// Scanner returns true if the scan driver should log.
func Scanner() bool {
	return scanner
}

// ScannerLogger returns a logger for the scan driver.
func ScannerLogger() Logger {
	return makeFlaggableLogger(scanner, Fields{"layer": "scanner"})
}

// Loader returns true if executable loading should be logged.
func Loader() bool {
	return loader
}

// LoaderLogger returns a logger for executable loading.
func LoaderLogger() Logger {
	return makeFlaggableLogger(loader, Fields{"layer": "loader"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "binscan-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "scanner"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "dwarf":
			dwarfInfo = true
		case "debuglineerr":
			debugLineErrors = true
		case "scanner":
			scanner = true
		case "loader":
			loader = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'binscan help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
