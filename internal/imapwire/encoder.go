package imapwire

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Quote encodes s as a quoted string.
func Quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' || ch == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(ch)
	}
	sb.WriteByte('"')
	return sb.String()
}

// IDRange is an inclusive range of message numbers or UIDs.
type IDRange struct {
	Start, Stop int64
}

func (r IDRange) String() string {
	if r.Start == r.Stop {
		return strconv.FormatInt(r.Start, 10)
	}
	return strconv.FormatInt(r.Start, 10) + ":" + strconv.FormatInt(r.Stop, 10)
}

// GroupIDs sorts and deduplicates ids, then merges consecutive values into
// ranges.
func GroupIDs(ids []int64) []IDRange {
	if len(ids) == 0 {
		return nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	ranges := []IDRange{{Start: sorted[0], Stop: sorted[0]}}
	for _, id := range sorted[1:] {
		last := &ranges[len(ranges)-1]
		if id == last.Stop+1 {
			last.Stop = id
		} else {
			ranges = append(ranges, IDRange{Start: id, Stop: id})
		}
	}
	return ranges
}

// FormatIDSet formats ids as a sequence set, e.g. "1:3,7,9:10".
func FormatIDSet(ids []int64) string {
	return formatRanges(GroupIDs(ids))
}

func formatRanges(ranges []IDRange) string {
	var sb strings.Builder
	for i, r := range ranges {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(r.String())
	}
	return sb.String()
}

// SplitIDCommand builds "prefix <set> suffix" command lines, splitting the
// set so that no line exceeds limit bytes (tag and CRLF excluded). A single
// range longer than the limit still gets its own line.
func SplitIDCommand(prefix, suffix string, ids []int64, limit int) []string {
	ranges := GroupIDs(ids)
	if len(ranges) == 0 {
		return nil
	}

	build := func(set string) string {
		cmd := prefix + " " + set
		if suffix != "" {
			cmd += " " + suffix
		}
		return cmd
	}
	overhead := len(build(""))

	var cmds []string
	var set strings.Builder
	for _, r := range ranges {
		s := r.String()
		if set.Len() > 0 && overhead+set.Len()+1+len(s) > limit {
			cmds = append(cmds, build(set.String()))
			set.Reset()
		}
		if set.Len() > 0 {
			set.WriteByte(',')
		}
		set.WriteString(s)
	}
	return append(cmds, build(set.String()))
}

// ParseIDSet expands a sequence set such as "1:3,7" in the order it is
// written. "*" isn't accepted.
func ParseIDSet(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		startStr, stopStr, isRange := strings.Cut(part, ":")
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("imapwire: invalid sequence set %q", s)
		}
		stop := start
		if isRange {
			if stop, err = strconv.ParseInt(stopStr, 10, 64); err != nil {
				return nil, fmt.Errorf("imapwire: invalid sequence set %q", s)
			}
		}
		if stop < start {
			start, stop = stop, start
		}
		for id := start; id <= stop; id++ {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
