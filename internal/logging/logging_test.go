package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestCLIHandlerFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("component", "orchestrator")
	logger.Info("role failed", "role", "client", "error", errors.New("exit 1"), slog.Group("link", "delay_ms", 50))
	logger.Debug("hidden")

	line := buf.String()
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected a single line, got %q", line)
	}
	for _, want := range []string{"INFO ", "| [orchestrator] role failed", " role=client", ` error="exit 1"`, " link.delay_ms=50"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestParseLevelAndMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}

	if m, err := ParseMode("json"); err != nil || m != ModeJSON {
		t.Fatalf("ParseMode(json) = %v, %v", m, err)
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestTeeWritesBothSinks(t *testing.T) {
	t.Parallel()

	var term, file bytes.Buffer
	base := NewCLI(&term, slog.LevelWarn)
	logger := Tee(base, ModeJSON, &file, slog.LevelDebug).With("component", "experiment")

	logger.Debug("provisioning", "containers", 3)
	logger.Warn("slow start")

	if strings.Contains(term.String(), "provisioning") {
		t.Fatalf("terminal should drop debug records: %q", term.String())
	}
	if !strings.Contains(term.String(), "[experiment] slow start") {
		t.Fatalf("terminal missing warn record: %q", term.String())
	}

	lines := strings.Split(strings.TrimSpace(file.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("file lines = %d, want 2: %q", len(lines), file.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "provisioning" || rec["component"] != "experiment" || rec["containers"] != float64(3) {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestDerivedLoggersShareWriterLock(t *testing.T) {
	t.Parallel()

	var buf safeBuffer
	root := NewCLI(&buf, slog.LevelInfo)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		logger := root.With("worker", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("tick")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Fatalf("lines = %d, want 400", len(lines))
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "INFO") {
			t.Fatalf("interleaved line %q", l)
		}
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
