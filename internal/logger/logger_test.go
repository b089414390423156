package logger

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "trace", want: LevelTrace},
		{input: "DEBUG", want: LevelDebug},
		{input: "", want: LevelInfo},
		{input: "info", want: LevelInfo},
		{input: "warning", want: LevelWarning},
		{input: "WARN", want: LevelWarning},
		{input: "error", want: LevelError},
		{input: "fatal", want: LevelFatal},
		{input: "verbose", want: LevelInfo, wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseLevel(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	original := GetLevel()
	defer SetLevel(original)

	SetLevel(LevelError)
	if GetLevel() != LevelError {
		t.Errorf("GetLevel() = %v, want %v", GetLevel(), LevelError)
	}
}

func TestWarnIncrementsCounter(t *testing.T) {
	before := TotalWarnings.Load()
	Warn("test warning", "key", "value")
	if TotalWarnings.Load() != before+1 {
		t.Errorf("TotalWarnings = %d, want %d", TotalWarnings.Load(), before+1)
	}
}

func TestOrDefault(t *testing.T) {
	l := Discard()
	if OrDefault(l, "x") != l {
		t.Error("OrDefault should return the provided logger")
	}
	if OrDefault(nil, "x") == nil {
		t.Error("OrDefault(nil) should return a component logger")
	}
}
