package dkim

import (
	"errors"
	"fmt"
	"strings"

	"blitiri.com.ar/go/dkimcheck/internal/normalize"
)

// Header is a single header field, as it appears in the message.
type Header struct {
	// Name, as written (without the colon).
	Name string

	// Value is everything after the first colon, including any folding
	// whitespace and line breaks.
	Value string

	// Raw is the complete field (Name + ":" + Value), without the final
	// CRLF. Optional: if empty, it is rebuilt from Name and Value.
	Raw string
}

// Headers of a message, in order of appearance. Repeated names are kept.
type Headers []Header

// FindAll the headers with the given name, in order of appearance.
func (hs Headers) FindAll(name string) Headers {
	found := make(Headers, 0)
	for _, h := range hs {
		if h.is(name) {
			found = append(found, h)
		}
	}
	return found
}

// is returns true if the header has the given name (case-insensitive, and
// ignoring any whitespace before the colon).
func (h Header) is(name string) bool {
	return strings.EqualFold(strings.TrimRight(h.Name, " \t"), name)
}

// A Decomposer splits a raw message into its headers and body.
type Decomposer interface {
	Decompose(message string) (Headers, string, error)
}

// DecomposerFunc adapts a function into a Decomposer.
type DecomposerFunc func(message string) (Headers, string, error)

// Decompose calls f(message).
func (f DecomposerFunc) Decompose(message string) (Headers, string, error) {
	return f(message)
}

var (
	errInvalidHeader = errors.New("invalid header")
	errNoSeparator   = errors.New("no separator between headers and body")
)

// SplitMessage parses a RFC 5322 message into headers and body. It is the
// default Decomposer.
//
// Bare LF line endings are converted to CRLF first. Whitespace is not
// touched otherwise, since simple canonicalization needs the headers exactly
// as they were sent.
func SplitMessage(message string) (Headers, string, error) {
	message = normalize.StringToCRLF(message)

	hs := make(Headers, 0)
	rest := message
	for {
		line, after, found := strings.Cut(rest, "\r\n")
		if !found {
			return nil, "", errNoSeparator
		}
		rest = after

		if line == "" {
			// End of headers.
			return hs, rest, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous header.
			if len(hs) == 0 {
				return nil, "", fmt.Errorf(
					"%w: bad continuation", errInvalidHeader)
			}
			hs[len(hs)-1].Value += "\r\n" + line
			hs[len(hs)-1].Raw += "\r\n" + line
			continue
		}

		h, err := parseHeader(line)
		if err != nil {
			return nil, "", err
		}
		hs = append(hs, h)
	}
}

func parseHeader(line string) (Header, error) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return Header{}, fmt.Errorf("%w: no colon", errInvalidHeader)
	}
	if strings.TrimRight(name, " \t") == "" {
		return Header{}, fmt.Errorf("%w: empty name", errInvalidHeader)
	}

	return Header{
		Name:  name,
		Value: value,
		Raw:   line,
	}, nil
}
