// Package logflags holds one logger per debugger layer. A layer that was
// not enabled through Setup still reports warnings and errors, its debug
// output is suppressed.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var risc = false
var hwDebug = false
var stack = false
var dwarfOp = false
var frame = false
var cli = false

var logOut io.Writer
var colorOutput = false

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.WarnLevel, fields)
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		DisableColors:    !colorOutput,
		ForceColors:      colorOutput,
		DisableTimestamp: true,
	}
}

// Risc returns true if the per-core debug façade should log.
func Risc() bool {
	return risc
}

// RiscLogger returns a logger for the per-core debug façade.
func RiscLogger() Logger {
	return makeFlaggableLogger(risc, Fields{LayerField: "risc"})
}

// HWDebug returns true if every debug register access should be logged.
func HWDebug() bool {
	return hwDebug
}

// HWDebugLogger returns a logger for the debug hardware protocol driver.
func HWDebugLogger() Logger {
	return makeFlaggableLogger(hwDebug, Fields{LayerField: "hwdebug"})
}

// Stack returns true if the callstack walker should log.
func Stack() bool {
	return stack
}

// StackLogger returns a logger for the callstack walker.
func StackLogger() Logger {
	return makeFlaggableLogger(stack, Fields{LayerField: "stack"})
}

// DwarfOp returns true if the DWARF expression evaluator should log
// failed evaluations.
func DwarfOp() bool {
	return dwarfOp
}

// DwarfOpLogger returns a logger for the DWARF expression evaluator.
func DwarfOpLogger() Logger {
	return makeFlaggableLogger(dwarfOp, Fields{LayerField: "dwarf", KindField: "op"})
}

// Frame returns true if CFI rule resolution should log.
func Frame() bool {
	return frame
}

// FrameLogger returns a logger for CFI decoding and rule resolution.
func FrameLogger() Logger {
	return makeFlaggableLogger(frame, Fields{LayerField: "dwarf", KindField: "frame"})
}

// CLILogger returns a logger for the command line front end.
func CLILogger() Logger {
	return makeFlaggableLogger(cli, Fields{LayerField: "cli"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "rdbg-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	if logOut == nil {
		logOut = colorable.NewColorableStderr()
		colorOutput = isatty.IsTerminal(os.Stderr.Fd())
	} else if f, ok := logOut.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		logOut = colorable.NewColorable(f)
		colorOutput = true
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
		logstr = "risc"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "help log" data in cmd/rdbg.
		switch logcmd {
		case "risc":
			risc = true
		case "hwdebug":
			hwDebug = true
		case "stack":
			stack = true
		case "dwarfop":
			dwarfOp = true
		case "frame":
			frame = true
		case "cli":
			cli = true
		default:
			return fmt.Errorf("unknown log layer %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output destination.
func Close() {
	if f, ok := logOut.(*os.File); ok && f != os.Stderr {
		f.Close()
	}
	logOut = nil
}
