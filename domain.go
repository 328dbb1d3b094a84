package sinkhole

import "strings"

// Domain is a normalized DNS name: trailing root dot stripped, otherwise
// taken as-is (no lowercasing, no IDN conversion - the list is consumed
// verbatim per the parser's grammar).
type Domain string

// normalizeDomain strips an optional trailing "." and surrounding
// whitespace. It does not validate the result; callers that need a
// non-empty domain check the length themselves.
func normalizeDomain(s string) Domain {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".")
	return Domain(s)
}

