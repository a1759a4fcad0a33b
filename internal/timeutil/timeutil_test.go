package timeutil

import (
	"testing"
	"time"
)

func withFrozenClock(t *testing.T, at time.Time) {
	t.Helper()
	old := nowFunc
	nowFunc = func() time.Time { return at }
	t.Cleanup(func() { nowFunc = old })
}

func TestParseDateToTimestamp(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
		want   int64
	}{
		{
			name:   "canonical millis layout",
			input:  "2024-03-01T12:30:45.123Z",
			wantOK: true,
			want:   time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC).UnixMilli(),
		},
		{
			name:   "rfc3339 without fraction",
			input:  "2024-03-01T12:30:45Z",
			wantOK: true,
			want:   time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC).UnixMilli(),
		},
		{
			name:   "date only",
			input:  "2024-03-01",
			wantOK: true,
			want:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		},
		{
			name:   "sentinel far future",
			input:  "9999-12-31T23:59:59.999Z",
			wantOK: true,
			want:   time.Date(9999, 12, 31, 23, 59, 59, 999000000, time.UTC).UnixMilli(),
		},
		{name: "empty", input: "", wantOK: false},
		{name: "garbage", input: "not-a-date", wantOK: false},
		{name: "numeric noise", input: "12345x", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDateToTimestamp(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ParseDateToTimestamp(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Fatalf("ParseDateToTimestamp(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsPast(t *testing.T) {
	withFrozenClock(t, time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))

	if !IsPast("2024-06-15T11:59:59.999Z") {
		t.Error("one millisecond ago should be past")
	}
	if IsPast("2024-06-15T12:00:00.001Z") {
		t.Error("one millisecond ahead should not be past")
	}
	if IsPast("9999-12-31T23:59:59.999Z") {
		t.Error("sentinel should never be past")
	}
	if IsPast("corrupted") {
		t.Error("malformed input must not be treated as past")
	}
	if IsPast("") {
		t.Error("empty input must not be treated as past")
	}
}

func TestDayBounds(t *testing.T) {
	at := time.Date(2024, 6, 15, 17, 42, 3, 500000000, time.UTC)

	start := StartOfDay(at)
	if start != time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("StartOfDay = %v", start)
	}

	end := EndOfDay(at)
	if end != time.Date(2024, 6, 15, 23, 59, 59, 999000000, time.UTC) {
		t.Fatalf("EndOfDay = %v", end)
	}

	if FormatISO(end) != "2024-06-15T23:59:59.999Z" {
		t.Fatalf("FormatISO(end) = %s", FormatISO(end))
	}
}

func TestFromUnixTimestamp(t *testing.T) {
	got := FromUnixTimestamp(1718452800)
	want := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("FromUnixTimestamp = %v, want %v", got, want)
	}
}

func TestOrderingMatchesLexicographic(t *testing.T) {
	a := FormatISO(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	b := FormatISO(time.Date(2024, 1, 2, 3, 4, 5, 1000000, time.UTC))
	c := FormatISO(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	if !(a < b && b < c) {
		t.Fatalf("expected lexicographic order %q < %q < %q", a, b, c)
	}
}
