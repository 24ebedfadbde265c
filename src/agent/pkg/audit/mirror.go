// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package audit

import (
	"io"
	"log/syslog"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Mirror receives security-critical events synchronously, outside the
// queue, so they survive a crash of the flush goroutine.
type Mirror interface {
	Emit(ev Event)
}

// LogMirror writes mirrored events through a dedicated logrus logger.
type LogMirror struct {
	logger *logrus.Logger
}

// NewSyslogMirror sends mirrored events to the local syslog daemon under
// the auth facility. When syslog is unreachable it falls back to stderr.
func NewSyslogMirror(tag string) *LogMirror {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})

	hook, err := lSyslog.NewSyslogHook("", "", syslog.LOG_AUTH|syslog.LOG_WARNING, tag)
	if err != nil {
		logrus.Warnf("Syslog unavailable, mirroring audit alerts to stderr: %v", err)
		logger.SetOutput(os.Stderr)
		return &LogMirror{logger: logger}
	}
	logger.AddHook(hook)
	logger.SetOutput(io.Discard)
	return &LogMirror{logger: logger}
}

// NewWriterMirror writes mirrored events as JSON lines to w.
func NewWriterMirror(w io.Writer) *LogMirror {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(w)
	return &LogMirror{logger: logger}
}

func (m *LogMirror) Emit(ev Event) {
	fields := logrus.Fields{
		"audit_id":   ev.ID,
		"event_type": string(ev.Type),
		"severity":   ev.Severity.String(),
	}
	if ev.ProcessID != 0 {
		fields["pid"] = strconv.FormatUint(uint64(ev.ProcessID), 10)
	}
	for k, v := range ev.Details {
		fields["detail_"+k] = v
	}
	m.logger.WithFields(fields).WithTime(ev.Timestamp).Error(ev.Message)
}
