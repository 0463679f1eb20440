package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerCreatedBeforeInitUsesNewHandler(t *testing.T) {
	l := L("pacer")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	l.Info("started", "interval", "10ms")

	out := buf.String()
	if !strings.Contains(out, "msg=started") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=pacer") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "interval=10ms") {
		t.Fatalf("expected interval field, got: %s", out)
	}
}

func TestInitRespectsLevel(t *testing.T) {
	l := L("capture")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithSession(L("codec"), "s1").Debug("bound", KeyBackend, "openh264", Err(errors.New("x")))

	out := buf.String()
	for _, want := range []string{`"component":"codec"`, `"session":"s1"`, `"backend":"openh264"`, `"error":"x"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestCountsWarningsAndErrors(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "error", &buf)

	w0, e0 := Counts()
	l := L("audio")
	l.Warn("filtered out")
	l.Error("counted")

	w1, e1 := Counts()
	if w1 != w0 {
		t.Fatalf("filtered warning should not be counted: %d -> %d", w0, w1)
	}
	if e1 != e0+1 {
		t.Fatalf("expected one more error, got %d -> %d", e0, e1)
	}
}

func TestRotatingWriterRollsOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "media.log")
	w, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("a"), 600<<10)
	for i := 0; i < 4; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backup beyond limit should not exist")
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "x.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if _, err := w.Write([]byte("late")); err == nil {
		t.Fatal("expected write after close to fail")
	}
}
