package memorymodule

import (
	"os"
	"sync/atomic"

	"github.com/saferwall/pe/log"
)

var std atomic.Pointer[log.Helper]

func init() {
	SetLogger(log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(log.LevelError)))
}

// SetLogger replaces the package logger. Load steps are logged at debug
// level, best-effort cleanup failures as warnings.
func SetLogger(l log.Logger) {
	std.Store(log.NewHelper(l))
}

func logger() *log.Helper { return std.Load() }
