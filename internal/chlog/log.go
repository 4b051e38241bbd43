// Package chlog provides the logrus setup shared by every component of
// the replication coordinator client: one formatter, per-component
// fields, level parsed from config the same way the rest of the ambient
// stack parses it.
package chlog

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a logger at the given level, tagged with table/replica
// identity so interleaved component logs from one process stay
// distinguishable.
func New(level, table, replica string) (*logrus.Logger, error) {
	logger := logrus.New()
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&Formatter{Table: table, Replica: replica})
	return logger, nil
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "panic":
		return logrus.PanicLevel, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", level)
	}
}

// Formatter renders "<ts> <LEVEL> [<table>/<replica>] (<component>) <msg> k=v ...".
type Formatter struct {
	Table   string
	Replica string
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	year, month, day := entry.Time.Date()
	hour, minute, second := entry.Time.Clock()
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%02d/%02d %02d:%02d:%02d %s [%s/%s]", year, month, day, hour, minute, second,
		strings.ToUpper(entry.Level.String()), f.Table, f.Replica)
	if c, ok := entry.Data["component"]; ok {
		fmt.Fprintf(&b, " (%v)", c)
	}
	fmt.Fprintf(&b, " %s", entry.Message)
	for k, v := range entry.Data {
		if k == "component" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// For returns a component-scoped entry, e.g. chlog.For(log, "executor").
func For(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
