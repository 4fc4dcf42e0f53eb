package storage

import "testing"

func TestValidDateKey(t *testing.T) {
	cases := []struct {
		in    string
		valid bool
	}{
		{"2026-02-10", true},
		{"2026-12-31", true},
		{"2026-02-30", false}, // not a real calendar day
		{"2026-13-01", false},
		{"26-02-10", false},
		{"2026/02/10", false},
		{"2026-02-10T00:00:00Z", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := ValidDateKey(tc.in); got != tc.valid {
			t.Errorf("ValidDateKey(%q) = %v, want %v", tc.in, got, tc.valid)
		}
	}
}

func TestAddSecondsMaintainsInvariant(t *testing.T) {
	rec := NewDayRecord("2026-02-10")
	rec.AddSeconds("go", 120)
	rec.AddSeconds("python", 60)
	rec.AddSeconds("go", 30)
	rec.AddSeconds("rust", 0)   // ignored
	rec.AddSeconds("rust", -10) // ignored

	if rec.TotalSeconds != 210 {
		t.Errorf("expected total 210, got %d", rec.TotalSeconds)
	}
	if rec.Languages["go"] != 150 || rec.Languages["python"] != 60 {
		t.Errorf("unexpected buckets: %v", rec.Languages)
	}
	if _, ok := rec.Languages["rust"]; ok {
		t.Error("non-positive credit must not create a bucket")
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	rec := NewDayRecord("2026-02-10")
	rec.AddSeconds("go", 10)

	dup := rec.Clone()
	dup.AddSeconds("go", 99)

	if rec.Languages["go"] != 10 || rec.TotalSeconds != 10 {
		t.Errorf("clone mutation leaked into original: %+v", rec)
	}
}

func TestValidateRejectsBrokenRecords(t *testing.T) {
	cases := []struct {
		name string
		rec  DayRecord
	}{
		{"bad date", DayRecord{Date: "nope", TotalSeconds: 0}},
		{"negative total", DayRecord{Date: "2026-02-10", TotalSeconds: -1}},
		{"negative bucket", DayRecord{Date: "2026-02-10", TotalSeconds: 5, Languages: map[string]int64{"go": -5}}},
		{"empty language", DayRecord{Date: "2026-02-10", TotalSeconds: 5, Languages: map[string]int64{"": 5}}},
		{"sum mismatch", DayRecord{Date: "2026-02-10", TotalSeconds: 100, Languages: map[string]int64{"go": 50}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rec.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
