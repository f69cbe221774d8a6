package logging

import (
	"log/syslog"

	"github.com/sirupsen/logrus"
)

// syslogHook forwards logrus entries to the local syslog daemon. Built on
// the standard library's log/syslog: none of the example repos carry a
// logrus syslog hook dependency, and the hook itself is a handful of
// lines, so there's nothing an external library would buy here.
type syslogHook struct {
	writer *syslog.Writer
}

// NewSyslogHook dials the local syslog daemon under the given tag. Used
// when --syslog is set.
func NewSyslogHook(tag string) (logrus.Hook, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return &syslogHook{writer: w}, nil
}

func (h *syslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.writer.Crit(line)
	case logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.DebugLevel, logrus.TraceLevel:
		return h.writer.Debug(line)
	default:
		return h.writer.Info(line)
	}
}
