package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

// CronLogger adapts a ComponentLogger to the robfig/cron Logger interface.
// Scheduler chatter goes to debug; errors stay at error level.
type CronLogger struct {
	cl *ComponentLogger
}

// NewCronLogger wraps cl for use with cron.WithLogger
func NewCronLogger(cl *ComponentLogger) CronLogger {
	return CronLogger{cl: cl}
}

// Info implements cron.Logger
func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(c.cl.Debug(), keysAndValues).Msg(msg)
}

// Error implements cron.Logger
func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	withFields(c.cl.Error().Err(err), keysAndValues).Msg(msg)
}

func withFields(ev *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	return ev
}
