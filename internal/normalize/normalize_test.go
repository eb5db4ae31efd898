package normalize

import (
	"encoding/json"
	"testing"
	"time"
	"unicode"
)

func TestServiceCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"Amlodipine 5mg", "amlodipine5mg"},
		{"  Metformin-HCl (500 MG) ", "metforminhcl500mg"},
		{"Café Crème", "cafecreme"},
		{"eGFR", "egfr"},
		{"CBC_panel", "cbc_panel"},
		{"باراسيتامول 500", "باراسيتامول500"},
		{"أموكسيسيلين", "اموكسيسيلين"},
		{"Ампициллин", ""},
	}

	for _, tt := range tests {
		if got := ServiceCode(tt.in); got != tt.want {
			t.Errorf("ServiceCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServiceCode_Idempotent(t *testing.T) {
	inputs := []string{
		"Amlodipine 5mg", "Ibuprofène", "أموكسيسيلين 250 ملغ", "X-Ray (Chest, PA view)", "ÅNGSTRÖM", "__a__",
	}
	for _, in := range inputs {
		once := ServiceCode(in)
		if twice := ServiceCode(once); twice != once {
			t.Errorf("ServiceCode not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestForScript(t *testing.T) {
	n, err := ForScript("Cyrillic")
	if err != nil {
		t.Fatalf("ForScript failed: %v", err)
	}
	if got := n.ServiceCode("Ампициллин 1г"); got != "ампициллин1г" {
		t.Errorf("Expected cyrillic letters kept, got %q", got)
	}

	ascii, err := ForScript("")
	if err != nil {
		t.Fatalf("ForScript(\"\") failed: %v", err)
	}
	if got := ascii.ServiceCode("باراسيتامول abc"); got != "abc" {
		t.Errorf("Expected ascii-only code, got %q", got)
	}

	if _, err := ForScript("Klingon"); err == nil {
		t.Error("Expected error for unknown script")
	}

	if New(unicode.Greek).ServiceCode("Αλφα") != "αλφα" {
		t.Error("Expected greek letters kept and lower-cased")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Amlodipine", "amlodipine 5mg tablets", true},
		{"amlodipine besylate 10 mg", "Amlodipine", true},
		{"Lisinopril", "Losartan", false},
		{"", "anything", false},
		{"---", "anything", false},
	}
	for _, tt := range tests {
		if got := Matches(tt.a, tt.b); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDiagnosisCode(t *testing.T) {
	if got := DiagnosisCode(" n18.3 "); got != "N183" {
		t.Errorf("Expected N183, got %q", got)
	}
}

func TestDateBucket(t *testing.T) {
	var nilString *string
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"nil pointer", nilString, ""},
		{"empty", "", ""},
		{"garbage", "not a date", ""},
		{"unsupported type", []int{1}, ""},
		{"iso date", "2024-01-31", "2024-01-31"},
		{"rfc3339", "2024-01-31T15:04:05Z", "2024-01-31"},
		{"datetime", "2024-03-05 23:59:59", "2024-03-05"},
		{"month first", "01/02/2024", "2024-01-02"},
		{"day first fallback", "31/01/2024", "2024-01-31"},
		{"serial int", 45292, "2024-01-01"},
		{"serial float with time", 45292.75, "2024-01-01"},
		{"serial json number", json.Number("45322"), "2024-01-31"},
		{"negative serial", -3, ""},
		{"time value", time.Date(2024, 2, 29, 18, 30, 0, 0, time.UTC), "2024-02-29"},
		{"zero time", time.Time{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DateBucket(tt.in); got != tt.want {
				t.Errorf("DateBucket(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDate_Midnight(t *testing.T) {
	got, ok := ParseDate("2024-06-01T08:15:00Z")
	if !ok {
		t.Fatal("Expected date to parse")
	}
	if got.Hour() != 0 || got.Minute() != 0 || got.Location() != time.UTC {
		t.Errorf("Expected UTC midnight, got %v", got)
	}
}
