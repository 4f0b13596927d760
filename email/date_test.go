package email

import "testing"

func TestParseDateNumericZone(t *testing.T) {
	tm, unknown, err := ParseDate("Fri, 31 Jul 2026 10:00:00 -0700")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if unknown {
		t.Error("zoneUnknown = true, want false")
	}
	if tm.Year() != 2026 || tm.Month() != 7 || tm.Day() != 31 {
		t.Errorf("date = %v, want 2026-07-31", tm)
	}
	if _, off := tm.Zone(); off != -7*3600 {
		t.Errorf("zone offset = %d, want -25200", off)
	}
}

func TestParseDateLegacyAbbrev(t *testing.T) {
	tm, unknown, err := ParseDate("1 Jan 2020 00:00:00 PST")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if unknown {
		t.Error("zoneUnknown = true, want false")
	}
	if _, off := tm.Zone(); off != -8*3600 {
		t.Errorf("zone offset = %d, want -28800 (PST)", off)
	}
}

func TestParseDateCommentedZone(t *testing.T) {
	tm, unknown, err := ParseDate("1 Jan 2020 00:00:00 (MST)")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if unknown {
		t.Error("zoneUnknown = true, want false")
	}
	if _, off := tm.Zone(); off != -7*3600 {
		t.Errorf("zone offset = %d, want -25200 (MST)", off)
	}
}

func TestParseDateMissingZoneDefaultsUTC(t *testing.T) {
	tm, unknown, err := ParseDate("1 Jan 2020 00:00:00")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if !unknown {
		t.Error("zoneUnknown = false, want true")
	}
	if _, off := tm.Zone(); off != 0 {
		t.Errorf("zone offset = %d, want 0", off)
	}
}

func TestParseDateTwoDigitYearWindow(t *testing.T) {
	tm, _, err := ParseDate("1 Jan 23 00:00:00 +0000")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if tm.Year() != 2023 {
		t.Errorf("year = %d, want 2023 (two-digit <50 -> 20xx)", tm.Year())
	}

	tm, _, err = ParseDate("1 Jan 95 00:00:00 +0000")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if tm.Year() != 1995 {
		t.Errorf("year = %d, want 1995 (two-digit >=50 -> 19xx)", tm.Year())
	}
}
