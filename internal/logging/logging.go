// Package logging configures the process-wide logrus logger
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log formats
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// Setup sets the level and formatter of the standard logger. An empty level
// falls back to $LOG_LEVEL, then info.
func Setup(level, format string, out io.Writer) error {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	formatter, err := NewFormatter(format)
	if err != nil {
		return err
	}

	logrus.SetLevel(lvl)
	logrus.SetFormatter(formatter)
	if out != nil {
		logrus.SetOutput(out)
	}
	return nil
}

// NewFormatter builds the formatter named by format
func NewFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case FormatJSON:
		return &logrus.JSONFormatter{}, nil
	case FormatColor:
		return NewColorFormatter(), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
