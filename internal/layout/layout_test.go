package layout

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestStackTop(t *testing.T) {
	l := Default()
	want := uint64(0x0500_7000)
	if got := l.StackTop(); got != want {
		t.Fatalf("StackTop() = %#x, want %#x", got, want)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Layout)
	}{
		{"zero version", func(l *Layout) { l.Version = 0 }},
		{"unaligned rodata", func(l *Layout) { l.RodataBase += 0x10 }},
		{"stack leaves window", func(l *Layout) { l.StackPages = 1 << 40 }},
		{"text outside window", func(l *Layout) { l.TextBase = 0x1000 }},
		{"heap under stack", func(l *Layout) { l.HeapBase = l.StackBase }},
		{"rodata below text", func(l *Layout) { l.RodataBase = l.TextBase }},
		{"page size not power of 2", func(l *Layout) { l.PageSize = 0x1800 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := Default()
			tt.mutate(&l)
			if err := l.Validate(); err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	l := Default()

	var buf bytes.Buffer
	if err := l.Write(&buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != l {
		t.Fatalf("round trip = %+v, want %+v", got, l)
	}
}

func TestReadRejectsUnknownFields(t *testing.T) {
	src := "version: 1\npageSize: 4096\nbogus: true\n"
	if _, err := Read(strings.NewReader(src)); err == nil {
		t.Fatal("Read() = nil, want error for unknown field")
	}
}

func TestReadRejectsInvalid(t *testing.T) {
	var buf bytes.Buffer
	l := Default()
	l.Version = 0
	if err := l.Write(&buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := Read(&buf); err == nil {
		t.Fatal("Read() = nil, want validation error")
	}
}
