package fatfs

import "testing"

func TestDateRoundTrip(t *testing.T) {
	tests := []struct {
		name               string
		year, month, day   int
	}{
		{"epoch", 1980, 1, 1},
		{"mid-range", 2023, 6, 15},
		{"max representable", 2107, 12, 31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeDate(tt.year, tt.month, tt.day)
			gotYear, gotMonth, gotDay, zero := decodeDate(raw)
			if zero {
				t.Fatalf("decodeDate(%#x) reported zero unexpectedly", raw)
			}
			if gotYear != tt.year || gotMonth != tt.month || gotDay != tt.day {
				t.Errorf("round trip = %d-%d-%d, want %d-%d-%d", gotYear, gotMonth, gotDay, tt.year, tt.month, tt.day)
			}
		})
	}
}

func TestEncodeDateSaturatesYear(t *testing.T) {
	raw := encodeDate(1970, 1, 1)
	year, _, _, zero := decodeDate(raw)
	if zero {
		t.Fatalf("unexpected zero decode")
	}
	if year != 1980 {
		t.Errorf("year before 1980 should saturate to 1980, got %d", year)
	}
}

func TestDecodeDateZeroSentinel(t *testing.T) {
	_, _, _, zero := decodeDate(0)
	if !zero {
		t.Errorf("raw date 0 should decode as the zero sentinel")
	}
}

func TestTimeRoundTripTwoSecondGranularity(t *testing.T) {
	raw := encodeTime(13, 45, 30)
	hour, minute, second := decodeTime(raw)
	if hour != 13 || minute != 45 || second != 30 {
		t.Errorf("round trip = %d:%d:%d, want 13:45:30", hour, minute, second)
	}

	// Odd seconds truncate to the nearest even second.
	raw = encodeTime(13, 45, 31)
	_, _, second = decodeTime(raw)
	if second != 30 {
		t.Errorf("encodeTime(.., 31) should truncate to 30, got %d", second)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := Timestamp{Year: 2024, Month: 3, Day: 14, Hour: 9, Minute: 26, Second: 54, Millis: 0}
	date, timeField, tenths := encodeTimestamp(ts)
	got := decodeTimestamp(date, timeField, tenths)
	if got != ts {
		t.Errorf("decodeTimestamp(encodeTimestamp(%v)) = %v", ts, got)
	}
}

func TestTimestampZero(t *testing.T) {
	date, timeField, tenths := encodeTimestamp(Timestamp{})
	if date != 0 || timeField != 0 || tenths != 0 {
		t.Errorf("encodeTimestamp(zero) should encode to all zero fields")
	}
	got := decodeTimestamp(0, 0, 0)
	if !got.IsZero() {
		t.Errorf("decodeTimestamp(0,0,0) = %v, want zero", got)
	}
}
