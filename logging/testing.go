package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// testAppender logs through tb.Log so lines are attributed to the running test. Times stay in
// local time.
type testAppender struct {
	tb testing.TB
}

func (tapp testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	line, err := formatEntry(entry, fields)
	tapp.tb.Log(line)
	return err
}

func (tapp testAppender) Sync() error {
	return nil
}
