package imappush

// expungeSeqs applies an EXPUNGE to a list of pending sequence numbers.
func expungeSeqs(seqs []int64, seq int64) []int64 {
	out := seqs[:0]
	for _, s := range seqs {
		switch {
		case s == seq:
			continue
		case s > seq:
			s--
		}
		out = append(out, s)
	}
	return out
}
