package email

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// timeZoneAbbrev is one entry of the legacy alphabetic timezone table:
// RFC5322 permits obsolete zone names, so a bare "MST" or "JST" has to
// resolve to a fixed offset the same way the alphabetic table below does.
type timeZoneAbbrev struct {
	hours, minutes int
	west            bool // west of UTC (a negative offset)
}

// legacyTimeZones mirrors the historical North American / European /
// Asian abbreviation table; entries are intentionally not exhaustive of
// every real-world ambiguous abbreviation (e.g. "cst" here resolves only
// to its North American meaning), matching the single-entry-per-name
// table this package's date parsing is grounded on.
var legacyTimeZones = map[string]timeZoneAbbrev{
	"ut":   {0, 0, false},
	"gmt":  {0, 0, false},
	"utc":  {0, 0, false},
	"aat":  {1, 0, true},
	"adt":  {4, 0, false},
	"ast":  {3, 0, false},
	"bst":  {1, 0, false},
	"cat":  {1, 0, false},
	"cdt":  {5, 0, true},
	"cest": {2, 0, false},
	"cet":  {1, 0, false},
	"cst":  {6, 0, true},
	"eat":  {3, 0, false},
	"edt":  {4, 0, true},
	"eest": {3, 0, false},
	"eet":  {2, 0, false},
	"egst": {0, 0, false},
	"egt":  {1, 0, true},
	"est":  {5, 0, true},
	"gst":  {4, 0, false},
	"hkt":  {8, 0, false},
	"ict":  {7, 0, false},
	"idt":  {3, 0, false},
	"ist":  {2, 0, false},
	"jst":  {9, 0, false},
	"kst":  {9, 0, false},
	"mdt":  {6, 0, true},
	"met":  {1, 0, false},
	"msd":  {4, 0, false},
	"msk":  {3, 0, false},
	"mst":  {7, 0, true},
	"nzdt": {13, 0, false},
	"nzst": {12, 0, false},
	"pdt":  {7, 0, true},
	"pst":  {8, 0, true},
	"sat":  {2, 0, false},
	"smt":  {4, 0, false},
	"sst":  {11, 0, true},
	"wat":  {0, 0, false},
	"west": {1, 0, false},
	"wet":  {0, 0, false},
	"wgst": {2, 0, true},
	"wgt":  {3, 0, true},
	"wst":  {8, 0, false},
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// uncommentTimeZone strips a "(...)" wrapper a non-conforming Date: value
// sometimes uses around its zone, e.g. "(MST)" or "(-0700)".
func uncommentTimeZone(tz string) string {
	if !strings.HasPrefix(tz, "(") {
		return tz
	}
	tz = strings.TrimPrefix(tz, "(")
	if i := strings.IndexAny(tz, " )"); i >= 0 {
		tz = tz[:i]
	}
	return tz
}

// ParseDate parses an RFC5322-ish Date: value: "[weekday,] day month year
// HH:MM[:SS] tz". zoneUnknown is true when no timezone field was present
// at all, in which case t assumes +0000.
//
// If the legacy-table parser cannot make sense of s, it falls back to
// dateparse.ParseAny for the non-conforming values real-world mail
// actually contains.
func ParseDate(s string) (t time.Time, zoneUnknown bool, err error) {
	t, zoneUnknown, ok := parseLegacyDate(s)
	if ok {
		return t, zoneUnknown, nil
	}
	t, err = dateparse.ParseAny(s)
	return t, false, err
}

func parseLegacyDate(s string) (time.Time, bool, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return time.Time{}, false, false
	}

	day, err := strconv.Atoi(fields[0])
	if err != nil || day < 0 || day > 31 {
		return time.Time{}, false, false
	}

	month, ok := monthNames[strings.ToLower(fields[1])]
	if !ok {
		return time.Time{}, false, false
	}

	year, err := strconv.Atoi(fields[2])
	if err != nil || year < 0 {
		return time.Time{}, false, false
	}
	if year < 50 {
		year += 2000
	} else if year < 1900 {
		year += 1900
	}

	if len(fields) < 4 {
		return time.Time{}, false, false
	}
	hour, min, sec, ok := parseClock(fields[3])
	if !ok {
		return time.Time{}, false, false
	}

	if len(fields) < 5 {
		// Missing timezone defaults to +0000 and is flagged.
		return time.Date(year, month, day, hour, min, sec, 0, time.UTC), true, true
	}

	offset, ok := parseZone(fields[4])
	if !ok {
		return time.Date(year, month, day, hour, min, sec, 0, time.UTC), true, true
	}
	loc := time.FixedZone("", offset)
	return time.Date(year, month, day, hour, min, sec, 0, loc), false, true
}

func parseClock(s string) (hour, min, sec int, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, false
	}
	var err error
	if hour, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, false
	}
	if min, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	if len(parts) == 3 {
		if sec, err = strconv.Atoi(parts[2]); err != nil {
			return 0, 0, 0, false
		}
	}
	return hour, min, sec, true
}

func parseZone(tz string) (offsetSeconds int, ok bool) {
	tz = uncommentTimeZone(tz)
	if tz == "" {
		return 0, false
	}
	if tz[0] == '+' || tz[0] == '-' {
		if len(tz) != 5 {
			return 0, false
		}
		hh, err1 := strconv.Atoi(tz[1:3])
		mm, err2 := strconv.Atoi(tz[3:5])
		if err1 != nil || err2 != nil {
			return 0, false
		}
		offset := (hh*60 + mm) * 60
		if tz[0] == '-' {
			offset = -offset
		}
		return offset, true
	}
	abbrev, ok := legacyTimeZones[strings.ToLower(tz)]
	if !ok {
		return 0, false
	}
	offset := (abbrev.hours*60 + abbrev.minutes) * 60
	if abbrev.west {
		offset = -offset
	}
	return offset, true
}
