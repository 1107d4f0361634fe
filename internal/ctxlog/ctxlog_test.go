package ctxlog

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	buf := &bytes.Buffer{}
	logger := New("info", "text", buf)
	ctx := WithLogger(context.Background(), logger)

	FromContext(ctx).Info("run started", "run", "run-1")
	assert.Contains(t, buf.String(), "run started")
	assert.Contains(t, buf.String(), "run=run-1")
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantDebug bool
		want      string
	}{
		{"debug text", "debug", "text", true, "level=DEBUG"},
		{"warn json", "warn", "json", false, `"level":"WARN"`},
		{"unknown level is info", "loud", "text", false, "level=WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := New(tt.level, tt.format, buf)

			logger.Debug("debug line")
			logger.Warn("warn line")

			assert.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("debug line")))
			assert.Contains(t, buf.String(), "warn line")
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
