package go_func_utils

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn on a new goroutine. The console owns the terminal, so a panic
// would otherwise vanish; it is written to the log file before re-panicking.
func SafeGo(logger logrus.FieldLogger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}

// SafeGoWG is SafeGo tracked by wg: Add is called before the goroutine starts
// and Done when fn returns.
func SafeGoWG(logger logrus.FieldLogger, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	SafeGo(logger, func() {
		defer wg.Done()
		fn()
	})
}
