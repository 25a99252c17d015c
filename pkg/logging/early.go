package logging

import (
	"fmt"
	"os"
)

// EarlyLog covers startup failures before the zap logger exists, so config
// and logger errors still reach stderr in a greppable form.
type EarlyLog struct{}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{}
}

func (l *EarlyLog) Error(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "flowrelay: ERROR: "+msg+"\n", args...)
}

func (l *EarlyLog) Fatal(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "flowrelay: FATAL: "+msg+"\n", args...)
	os.Exit(1)
}
