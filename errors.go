package sinkhole

import (
	"fmt"

	"github.com/miekg/dns"
)

// QueryTimeoutError is returned when a forwarded query times out.
type QueryTimeoutError struct {
	query *dns.Msg
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", qName(e.query))
}

// MultiQuestionError is returned when a request carries more than one
// question. The dispatcher responds with SERVFAIL in this case.
type MultiQuestionError struct {
	n int
}

func (e MultiQuestionError) Error() string {
	return fmt.Sprintf("expected exactly one question, got %d", e.n)
}

// ParseError aggregates every malformed line found while parsing a single
// list. A list with any ParseError is rejected in its entirety.
type ParseError struct {
	Source string
	Lines  []LineError
}

// LineError is a single malformed-line diagnostic.
type LineError struct {
	Line    int
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %d malformed line(s), first: line %d: %s", e.Source, len(e.Lines), e.Lines[0].Line, e.Lines[0].Message)
}

// msg returns a human-readable multi-line report, one line per diagnostic,
// suitable for appending to a list's error string per the blocklist engine's
// error-accumulation contract.
func (e *ParseError) msg() string {
	s := ""
	for _, l := range e.Lines {
		s += fmt.Sprintf("line %d (offset %d): %s\n", l.Line, l.Offset, l.Message)
	}
	return s
}
