package risc_test

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/debuda/riscdbg/pkg/logflags"
	"github.com/debuda/riscdbg/pkg/risc"
	"github.com/debuda/riscdbg/pkg/risc/risctest"
)

type hookLogger struct {
	*logrus.Entry
}

func (l hookLogger) WithField(key string, value interface{}) logflags.Logger {
	return hookLogger{l.Entry.WithField(key, value)}
}

func (l hookLogger) WithFields(fields logflags.Fields) logflags.Logger {
	return hookLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l hookLogger) WithError(err error) logflags.Logger {
	return hookLogger{l.Entry.WithError(err)}
}

// captureLogs routes the loggers created after the call to a test hook.
func captureLogs(t *testing.T) *test.Hook {
	logger, hook := test.NewNullLogger()
	logflags.SetLoggerFactory(func(level logrus.Level, fields logflags.Fields, out io.Writer) logflags.Logger {
		return hookLogger{logger.WithFields(logrus.Fields(fields))}
	})
	t.Cleanup(func() { logflags.SetLoggerFactory(nil) })
	return hook
}

func warnings(hook *test.Hook) []string {
	var r []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			r = append(r, e.Message)
		}
	}
	return r
}

type target struct {
	dbg  *risc.RiscDebug
	sim  *risctest.Simulator
	core *risctest.Core
	loc  risc.Location
}

func newTarget(t *testing.T, chipName, core string) *target {
	return newTargetWithOptions(t, chipName, core, risc.DefaultOptions())
}

func newTargetWithOptions(t *testing.T, chipName, core string, opts risc.Options) *target {
	t.Helper()
	chip, err := risc.LookupChip(chipName)
	require.NoError(t, err)
	sim := risctest.New(chip)
	loc := risc.NewLocation(1, 2, core)
	c := sim.AddCore(loc)
	dbg, err := risc.New(sim, chip, loc, opts)
	require.NoError(t, err)
	return &target{dbg: dbg, sim: sim, core: c, loc: loc}
}

func count(cmds []uint32, cmd uint32) int {
	n := 0
	for _, c := range cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

const (
	cmdHalt     = 0x1
	cmdStep     = 0x2
	cmdContinue = 0x4

	nop    = 0x00000013
	ebreak = 0x00100073
)
