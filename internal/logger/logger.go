package logger

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a JSON logrus.Logger. level, when set to a valid logrus level
// name, overrides the environment default.
func New(env, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(parseLevel(env, level))
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	return log
}

func parseLevel(env, level string) logrus.Level {
	if lvl, err := logrus.ParseLevel(level); level != "" && err == nil {
		return lvl
	}
	switch strings.ToLower(env) {
	case "local", "dev":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}
