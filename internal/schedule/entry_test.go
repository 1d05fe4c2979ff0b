package schedule

import (
	"testing"
	"time"
)

func TestCronSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		entry Entry
		want  string
	}{
		{
			name:  "single day",
			entry: Entry{Days: []time.Weekday{time.Monday}, TimeOfDay: "09:00"},
			want:  "0 9 * * 1",
		},
		{
			name:  "multiple days sorted",
			entry: Entry{Days: []time.Weekday{time.Friday, time.Monday, time.Wednesday}, TimeOfDay: "18:30"},
			want:  "30 18 * * 1,3,5",
		},
		{
			name:  "duplicate days collapsed",
			entry: Entry{Days: []time.Weekday{time.Sunday, time.Sunday}, TimeOfDay: "00:05"},
			want:  "5 0 * * 0",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := cronSpec(tt.entry)
			if err != nil {
				t.Fatalf("cronSpec: %v", err)
			}
			if got != tt.want {
				t.Fatalf("cronSpec = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	valid := map[string][2]int{
		"00:00": {0, 0},
		"09:05": {9, 5},
		"23:59": {23, 59},
	}
	for in, want := range valid {
		h, m, err := parseHHMM(in)
		if err != nil {
			t.Fatalf("parseHHMM(%q): %v", in, err)
		}
		if h != want[0] || m != want[1] {
			t.Fatalf("parseHHMM(%q) = %d:%d, want %d:%d", in, h, m, want[0], want[1])
		}
	}
	for _, in := range []string{"", "9", "24:00", "12:60", "ab:cd", "12:3x"} {
		if _, _, err := parseHHMM(in); err == nil {
			t.Fatalf("parseHHMM(%q) accepted invalid input", in)
		}
	}
}

func TestEntryValidate(t *testing.T) {
	t.Parallel()
	good := Entry{OwnerID: 42, Query: "TKRU4471976", Days: []time.Weekday{time.Monday}, TimeOfDay: "09:00", Enabled: true}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}

	bad := []Entry{
		{Query: "x", Days: []time.Weekday{time.Monday}, TimeOfDay: "09:00"},
		{OwnerID: 1, Days: []time.Weekday{time.Monday}, TimeOfDay: "09:00"},
		{OwnerID: 1, Query: "x", TimeOfDay: "09:00"},
		{OwnerID: 1, Query: "x", Days: []time.Weekday{time.Monday}, TimeOfDay: "25:00"},
		{OwnerID: 1, Query: "x", Days: []time.Weekday{time.Weekday(9)}, TimeOfDay: "09:00"},
	}
	for i, e := range bad {
		if err := e.Validate(); err == nil {
			t.Fatalf("case %d: invalid entry accepted", i)
		}
	}
}

func TestSlotStart(t *testing.T) {
	t.Parallel()
	e := Entry{TimeOfDay: "09:00"}
	now := time.Date(2025, 3, 10, 9, 0, 27, 0, time.UTC) // triggered 27s into the slot
	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if got := slotStart(e, now); !got.Equal(want) {
		t.Fatalf("slotStart = %v, want %v", got, want)
	}
}
