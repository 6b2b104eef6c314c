package log

import (
	"testing"
)

func TestZapLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    Level
		expected string
		wantErr  bool
	}{
		{"debug level", LevelDebug, "debug", false},
		{"info level", LevelInfo, "info", false},
		{"warn level", LevelWarn, "warn", false},
		{"error level", LevelError, "error", false},
		{"empty defaults to info", Level(""), "info", false},
		{"unknown level rejected", Level("loud"), "info", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := zapLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Fatalf("zapLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
			if got.String() != tt.expected {
				t.Errorf("zapLevel(%q) = %v, want %v", tt.level, got.String(), tt.expected)
			}
		})
	}
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	Reset()
	defer Reset()

	if err := Init(Config{Level: LevelInfo, Format: Format("xml")}); err == nil {
		t.Fatal("Init accepted an unknown format")
	}
}

func TestInitAndGet(t *testing.T) {
	Reset()
	defer Reset()

	for _, format := range []Format{FormatConsole, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			Reset()
			if err := Init(Config{Level: LevelDebug, Format: format}); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			if Get() == nil {
				t.Fatal("Get returned nil logger")
			}
		})
	}
}

func TestGetWithoutInitUsesDefaults(t *testing.T) {
	Reset()
	defer Reset()

	if Get() == nil {
		t.Fatal("Get returned nil logger before Init")
	}
}
