package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/schema"
)

func TestWithDatabaseIdentityAddsFields(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	log := WithDatabaseIdentity(ctx, "shell-relay", "a1b2c3")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["db"] != "shell-relay" {
		t.Fatalf("expected db field, got %+v", entry)
	}
	if entry["identity"] != "a1b2c3" {
		t.Fatalf("expected identity field, got %+v", entry)
	}
}

func TestWithDatabaseSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	base := logger.With("db", schema.DatabaseName("shell-relay"))
	ctx := pslog.ContextWithLogger(context.Background(), base)
	ctx = ContextWithDatabase(ctx, "shell-relay")

	log := WithDatabase(ctx, "shell-relay")
	log.Info("hello")

	line := capture.firstLine(t)
	if bytes.Count(line, []byte(`"db"`)) != 1 {
		t.Fatalf("expected a single db field, got %s", line)
	}
}

func TestWithConnAddsField(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	log := WithConn(logger, schema.ConnectionID("conn-1"))
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["conn"] != "conn-1" {
		t.Fatalf("expected conn field, got %+v", entry)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstLine(t *testing.T) []byte {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	return bytes.TrimSpace(data[:idx])
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	entry := map[string]any{}
	if err := json.Unmarshal(c.firstLine(t), &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
