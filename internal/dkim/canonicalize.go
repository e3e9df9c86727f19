package dkim

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"blitiri.com.ar/go/dkimcheck/internal/normalize"
)

var errUnknownCanonicalization = errors.New("unknown canonicalization")

// Canonicalization algorithm, applied to either headers or body.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.4
type Canonicalization string

const (
	Simple  Canonicalization = "simple"
	Relaxed Canonicalization = "relaxed"
)

// Defaults used when the c= tag is missing.
const (
	defaultHeaderCanonicalization = Relaxed
	defaultBodyCanonicalization   = Simple
)

// ParseCanonicalization parses the value of a c= tag, which is either
// "header/body" or "header". In the latter case, "simple" is used for the
// body. An empty value returns the defaults.
func ParseCanonicalization(s string) (header, body Canonicalization, err error) {
	if s == "" {
		return defaultHeaderCanonicalization, defaultBodyCanonicalization, nil
	}

	// No whitespace around the '/' is allowed.
	hs, bs, _ := strings.Cut(s, "/")
	if bs == "" {
		bs = string(Simple)
	}

	header, err = stringToCanonicalization(hs)
	if err != nil {
		return "", "", fmt.Errorf("header: %w", err)
	}
	body, err = stringToCanonicalization(bs)
	if err != nil {
		return "", "", fmt.Errorf("body: %w", err)
	}
	return header, body, nil
}

func stringToCanonicalization(s string) (Canonicalization, error) {
	switch s {
	case "simple":
		return Simple, nil
	case "relaxed":
		return Relaxed, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownCanonicalization, s)
	}
}

// CanonicalizeHeader returns the canonical form of the header, without the
// trailing CRLF. For simple canonicalization, headers without Raw are
// rebuilt from Name and Value.
func CanonicalizeHeader(c Canonicalization, h Header) string {
	switch c {
	case Simple:
		if h.Raw == "" {
			return h.Name + ":" + h.Value
		}
		return h.Raw
	case Relaxed:
		return relaxHeader(h)
	default:
		panic("unknown canonicalization")
	}
}

// CanonicalizeBody returns the canonical form of the body. Line endings are
// normalized to CRLF first.
func CanonicalizeBody(c Canonicalization, body string) string {
	body = normalize.StringToCRLF(body)
	switch c {
	case Simple:
		return simpleBody(body)
	case Relaxed:
		return relaxBody(body)
	default:
		panic("unknown canonicalization")
	}
}

// Notes on whitespace reduction:
// https://datatracker.ietf.org/doc/html/rfc6376#section-2.8
// There are only 3 forms of whitespace:
//  - WSP  =  SP / HTAB
//  - LWSP =  *(WSP / CRLF WSP)
//  - FWS  =  [*WSP CRLF] 1*WSP
//
// These are compiled once, and never modified afterwards.
var (
	// Continued header: WSP after CRLF.
	continuedHeader = regexp.MustCompile(`\r\n[ \t]+`)

	// WSP before CRLF.
	wspBeforeCRLF = regexp.MustCompile(`[ \t]+\r\n`)

	// Repeated WSP.
	repeatedWSP = regexp.MustCompile(`[ \t]+`)

	// Empty lines at the end of the body.
	repeatedCRLFAtTheEnd = regexp.MustCompile(`(\r\n)+$`)
)

// An empty body becomes a single CRLF, following RFC 6376 3.4.3 as real
// signers do.
func simpleBody(body string) string {
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.4.3
	// Replace repeated CRLF at the end of the body with a single CRLF.
	body = repeatedCRLFAtTheEnd.ReplaceAllLiteralString(body, "\r\n")

	// All bodies (including an empty one) must end with a CRLF.
	if !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}

	return body
}

func relaxBody(body string) string {
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.4.4
	// Terminate the last line, so its trailing WSP is removed like in the
	// others.
	if body != "" && !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}

	body = wspBeforeCRLF.ReplaceAllLiteralString(body, "\r\n")
	body = repeatedWSP.ReplaceAllLiteralString(body, " ")

	// Ignore all empty lines at the end, and then terminate the last line
	// (if any) with a single CRLF.
	body = repeatedCRLFAtTheEnd.ReplaceAllLiteralString(body, "")
	if body != "" {
		body += "\r\n"
	}

	return body
}

func relaxHeader(h Header) string {
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.4.2
	// Lowercase the name, and remove WSP before the ":".
	name := strings.ToLower(h.Name)
	name = strings.TrimRight(name, " \t")

	// Unfold continuation lines, and reduce all sequences of WSP to a single
	// SP.
	value := continuedHeader.ReplaceAllLiteralString(h.Value, " ")
	value = repeatedWSP.ReplaceAllLiteralString(value, " ")

	// Delete all WSP at the end of the value, and after the ":".
	value = strings.Trim(value, " \t")

	return name + ":" + value
}
