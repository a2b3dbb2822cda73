package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// ColorFormatter prints one colored line per entry: time, level, message and
// the sorted fields, with station and session first.
type ColorFormatter struct {
	TimestampFormat string
	// DisableColors forces plain output, e.g. when not writing to a terminal
	DisableColors bool
}

// NewColorFormatter returns a formatter with RFC3339 timestamps
func NewColorFormatter() *ColorFormatter {
	return &ColorFormatter{TimestampFormat: time.RFC3339}
}

var fieldPriority = map[string]int{
	"worker":  1,
	"session": 2,
	"station": 3,
	"attempt": 4,
	"reason":  5,
	"error":   6,
}

func (f *ColorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	levelColor := f.paint(levelColor(entry.Level))
	timeColor := f.paint(color.New(color.FgYellow))
	keyColor := f.paint(color.New(color.FgCyan))
	importantColor := f.paint(color.New(color.FgGreen))

	b.WriteString(timeColor.Sprint(entry.Time.Format(f.TimestampFormat)))
	b.WriteByte(' ')
	b.WriteString(levelColor.Sprintf("%-7s", strings.ToUpper(entry.Level.String())))
	b.WriteByte(' ')
	b.WriteString(levelColor.Sprint(entry.Message))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sortFields(keys)

	for _, k := range keys {
		kc := keyColor
		if fieldPriority[k] != 0 {
			kc = importantColor
		}
		b.WriteByte(' ')
		b.WriteString(kc.Sprintf("%s=", k))
		b.WriteString(formatValue(entry.Data[k]))
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *ColorFormatter) paint(c *color.Color) *color.Color {
	if f.DisableColors {
		c.DisableColor()
	}
	return c
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		if strings.ContainsAny(v, " \t\"=") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case error:
		return fmt.Sprintf("%q", v.Error())
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func levelColor(level logrus.Level) *color.Color {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return color.New(color.FgBlue)
	case logrus.InfoLevel:
		return color.New(color.FgGreen)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.ErrorLevel:
		return color.New(color.FgRed)
	case logrus.FatalLevel, logrus.PanicLevel:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgWhite)
	}
}

func sortFields(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := fieldPriority[keys[i]], fieldPriority[keys[j]]
		switch {
		case pi != 0 && pj != 0:
			return pi < pj
		case pi != 0:
			return true
		case pj != 0:
			return false
		}
		return keys[i] < keys[j]
	})
}
