package imap

import (
	"fmt"
	"strings"
	"time"
)

// Date and time layouts.
const (
	// Described in RFC 3501 section 9, date.
	DateLayout = "2-Jan-2006"
	// Described in RFC 3501 section 9, date-time. The day may be padded with
	// a space.
	DateTimeLayout = "_2-Jan-2006 15:04:05 -0700"
	// Described in RFC 5322 section 3.3.
	MessageDateTimeLayout = "Mon, 02 Jan 2006 15:04:05 -0700"
)

// Permutations of the layouts defined in RFC 5322, section 3.3: optional day
// of week, one or two digit day, two or four digit year, optional seconds and
// the three zone notations.
var messageDateTimeLayouts = func() []string {
	layouts := []string{MessageDateTimeLayout} // popular, try it first
	for _, weekday := range []string{"", "Mon, "} {
		for _, day := range []string{"2", "02"} {
			for _, year := range []string{"2006", "06"} {
				for _, clock := range []string{"15:04:05", "15:04"} {
					for _, zone := range []string{"-0700", "MST", "-0700 (MST)"} {
						layouts = append(layouts, weekday+day+" Jan "+year+" "+clock+" "+zone)
					}
				}
			}
		}
	}
	return layouts
}()

// ParseMessageDateTime parses the Date header field of a message.
func ParseMessageDateTime(maybeDate string) (time.Time, error) {
	maybeDate = strings.TrimSpace(maybeDate)
	for _, layout := range messageDateTimeLayouts {
		parsed, err := time.Parse(layout, maybeDate)
		if err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("imap: date %q could not be parsed", maybeDate)
}

// ParseDateTime parses an INTERNALDATE value.
func ParseDateTime(maybeDate string) (time.Time, error) {
	parsed, err := time.Parse(DateTimeLayout, strings.TrimSpace(maybeDate))
	if err != nil {
		return time.Time{}, fmt.Errorf("imap: date-time %q could not be parsed", maybeDate)
	}
	return parsed, nil
}

// FormatDate formats a date for SEARCH criteria such as SINCE.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
