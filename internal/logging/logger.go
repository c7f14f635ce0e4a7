package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// #region init
// Init configures the standard logrus logger. Format is "text" or "json";
// an unparsable level falls back to info. If w is nil, os.Stderr is used.
func Init(level, format string, w ...io.Writer) {
	var writer io.Writer = os.Stderr
	if len(w) > 0 && w[0] != nil {
		writer = w[0]
	}
	logrus.SetOutput(writer)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
}

// #endregion init

// #region new
// New returns a logger tagged with a "component" field.
func New(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// #endregion new
