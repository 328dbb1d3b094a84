package sinkhole

import (
	"bufio"
	"io"
	"net"
	"strings"
)

// ParseResult is the outcome of parsing one list's content: the ordered
// domain tokens plus any non-fatal parse diagnostics. Per the parser
// contract a single malformed line fails the entire list, so ParseResult
// is only ever populated on full success; otherwise Parse returns a
// *ParseError.
type ParseResult struct {
	Entries  []Domain
	Warnings []string
}

// Parse reads a hosts-style or domain-only blocklist and returns its
// entries in order. Grammar per line:
//
//	blank (only space/tab)        -> no entry
//	"#" in column 1 to end-of-line -> no entry
//	"<ip> <ws> <domain>"           -> entry, IP discarded
//	"<domain>"                     -> entry
//
// source is used only to label diagnostics; it is typically the list's URL
// or file path.
func Parse(r io.Reader, source string) (*ParseResult, error) {
	res := &ParseResult{}
	var perr *ParseError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		token := trimmed
		if fields := strings.Fields(trimmed); len(fields) >= 2 && looksLikeIP(fields[0]) {
			token = strings.Join(fields[1:], " ")
			if ip, _, ok := splitHostZone(fields[0]); !ok || net.ParseIP(ip) == nil {
				if perr == nil {
					perr = &ParseError{Source: source}
				}
				perr.Lines = append(perr.Lines, LineError{
					Line:    lineNo,
					Offset:  0,
					Message: "malformed IP prefix: " + fields[0],
				})
				continue
			}
		}

		domain, err := parseDomainToken(token)
		if err != nil {
			if perr == nil {
				perr = &ParseError{Source: source}
			}
			perr.Lines = append(perr.Lines, LineError{
				Line:    lineNo,
				Offset:  strings.Index(line, token),
				Message: err.Error(),
			})
			continue
		}
		res.Entries = append(res.Entries, domain)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if perr != nil {
		return nil, perr
	}
	return res, nil
}

// looksLikeIP is a cheap pre-filter distinguishing an "<ip> <domain>" line
// from a malformed multi-word domain line: the first field must contain a
// '.' or ':' (the only way an IPv4/IPv6 literal, with or without a zone id,
// can look) before we bother calling net.ParseIP on it.
func looksLikeIP(s string) bool {
	return len(s) >= 2 && strings.ContainsAny(s, ".:")
}

// splitHostZone strips an IPv6 zone id (e.g. "fe80::1%lo0") before handing
// the address portion to net.ParseIP, which does not understand zone ids.
func splitHostZone(s string) (host string, zone string, ok bool) {
	if i := strings.IndexByte(s, '%'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", true
}

// parseDomainToken validates and normalizes a single domain token per the
// label sub-grammar: one or more non-empty labels separated by '.', no
// whitespace, '#', or ':' in any label.
func parseDomainToken(s string) (Domain, error) {
	d := normalizeDomain(s)
	if d == "" {
		return "", errInvalidDomain("empty domain")
	}
	for _, label := range strings.Split(string(d), ".") {
		if label == "" {
			return "", errInvalidDomain("empty label in " + s)
		}
		for _, c := range label {
			if c == '#' || c == ':' || c == ' ' || c == '\t' {
				return "", errInvalidDomain("invalid character in domain: " + s)
			}
		}
	}
	return d, nil
}

type domainError string

func (e domainError) Error() string { return string(e) }

func errInvalidDomain(msg string) error { return domainError(msg) }
