package imap

import (
	"testing"
	"time"
)

var expectedDateTime = time.Date(2009, time.November, 2, 23, 0, 0, 0, time.FixedZone("", -6*60*60))

func TestParseMessageDateTime(t *testing.T) {
	tests := []struct {
		in  string
		out time.Time
		ok  bool
	}{
		// some permutations
		{"2 Nov 2009 23:00 -0600", expectedDateTime, true},
		{"Mon, 02 Nov 2009 23:00:00 -0600", expectedDateTime, true},
		{"Tue, 2 Nov 09 23:00:00 -0600 (MST)", expectedDateTime, true},

		// whitespace
		{" 2 Nov 2009 23:00 -0600", expectedDateTime, true},
		{"Tue,  2 Nov 2009 23:00:00 -0600", expectedDateTime, true},

		// invalid
		{"abc10 Nov 2009 23:00 -0600123", time.Time{}, false},
		{"10.Nov.2009 11:00:00 -9900", time.Time{}, false},
	}
	for _, test := range tests {
		out, err := ParseMessageDateTime(test.in)
		if !test.ok {
			if err == nil {
				t.Errorf("ParseMessageDateTime(%q) = %v, want error", test.in, out)
			}
		} else if err != nil {
			t.Errorf("ParseMessageDateTime(%q) = %v", test.in, err)
		} else if !out.Equal(test.out) {
			t.Errorf("ParseMessageDateTime(%q) = %v, want %v", test.in, out, test.out)
		}
	}
}

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		in  string
		out time.Time
		ok  bool
	}{
		{"2-Nov-2009 23:00:00 -0600", expectedDateTime, true},
		{"02-Nov-2009 23:00:00 -0600", expectedDateTime, true},
		{" 2-Nov-2009 23:00:00 -0600", expectedDateTime, true},

		{"10-Nov-2009", time.Time{}, false},
		{"abc10-Nov-2009 23:00:00 -0600123", time.Time{}, false},
	}
	for _, test := range tests {
		out, err := ParseDateTime(test.in)
		if !test.ok {
			if err == nil {
				t.Errorf("ParseDateTime(%q) = %v, want error", test.in, out)
			}
		} else if err != nil {
			t.Errorf("ParseDateTime(%q) = %v", test.in, err)
		} else if !out.Equal(test.out) {
			t.Errorf("ParseDateTime(%q) = %v, want %v", test.in, out, test.out)
		}
	}
}

func TestFormatDate(t *testing.T) {
	if got, want := FormatDate(expectedDateTime), "2-Nov-2009"; got != want {
		t.Errorf("FormatDate() = %q, want %q", got, want)
	}
}
