package logging

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestColorFormatter_PlainOutput(t *testing.T) {
	f := &ColorFormatter{TimestampFormat: time.RFC3339, DisableColors: true}
	entry := &logrus.Entry{
		Time:    time.Date(2022, 4, 1, 8, 0, 0, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "Retrying station",
		Data: logrus.Fields{
			"zone":    "eu",
			"attempt": 2,
			"station": "S1",
			"error":   errors.New("load timeout"),
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	require.Equal(t,
		`2022-04-01T08:00:00Z WARNING Retrying station station=S1 attempt=2 error="load timeout" zone=eu`+"\n",
		string(out))
}

func TestSetup(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)

	var buf bytes.Buffer
	require.NoError(t, Setup("debug", FormatJSON, &buf))
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithField("station", "S1").Debug("hello")
	require.Contains(t, buf.String(), `"station":"S1"`)

	t.Setenv("LOG_LEVEL", "warn")
	require.NoError(t, Setup("", FormatText, &buf))
	require.Equal(t, logrus.WarnLevel, logrus.GetLevel())

	require.Error(t, Setup("loud", FormatText, nil))
	require.Error(t, Setup("info", "xml", nil))

	require.NoError(t, Setup("info", FormatText, nil))
}
