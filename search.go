package imap

// SearchCriteria is a criteria for a remote folder search.
//
// All fields are combined: a message must carry every required flag, none of
// the forbidden flags, and match the query if one is set.
type SearchCriteria struct {
	// Query matches the subject or the sender, or the full message text when
	// FullText is set.
	Query    string
	FullText bool

	Required  []Flag
	Forbidden []Flag
}

// FlagKeys returns the SEARCH keys for the required flags followed by the
// forbidden flags. Flags without a SEARCH key are skipped.
func (c *SearchCriteria) FlagKeys() []string {
	var keys []string
	for _, f := range c.Required {
		if k, ok := searchKeys[f]; ok {
			keys = append(keys, k[0])
		}
	}
	for _, f := range c.Forbidden {
		if k, ok := searchKeys[f]; ok {
			keys = append(keys, k[1])
		}
	}
	return keys
}
