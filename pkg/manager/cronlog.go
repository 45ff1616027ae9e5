package manager

import (
	"github.com/sirupsen/logrus"
)

// cronLogger adapts a logrus entry to the cron.Logger interface.
type cronLogger struct {
	log *logrus.Entry
}

func newCronLogger(log *logrus.Entry) cronLogger {
	return cronLogger{log: log}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.WithField("details", keysAndValues).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithError(err).WithField("details", keysAndValues).Error(msg)
}
