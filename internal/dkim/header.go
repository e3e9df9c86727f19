package dkim

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// https://datatracker.ietf.org/doc/html/rfc6376#section-3.5

// Signature holds the tags of a DKIM-Signature header that are used for
// verification. Other tags are ignored.
type Signature struct {
	// Version. Only "1" is accepted, if present.
	Version string

	// Signing algorithm. Only "rsa-sha256" is supported.
	Algorithm string

	// Canonicalization algorithms, from c=.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// Signing domain ("SDID") and selector.
	Domain   string
	Selector string

	// Signed header fields, in the order given in h=.
	Headers []string

	// Hash of the canonicalized body, decoded from bh=.
	BodyHash []byte

	// Signature data, decoded from b=.
	Data []byte
}

const algorithmRSASHA256 = "rsa-sha256"

var (
	errInvalidVersion     = errors.New("invalid version")
	errMissingRequiredTag = errors.New("missing required tag")
	errInvalidTag         = errors.New("invalid tag")
	errInvalidBase64      = errors.New("invalid base64")
)

// String replacer that removes whitespace.
var eatWhitespace = strings.NewReplacer(" ", "", "\t", "", "\r", "", "\n", "")

// ParseSignature parses the value of a DKIM-Signature header.
//
// Errors wrap ErrParse, except for unsupported signing algorithms, which wrap
// ErrUnsupportedAlgorithm.
func ParseSignature(value string) (*Signature, error) {
	tags, err := parseTags(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	// Mandatory tags. An empty value is as good as a missing one.
	for _, t := range []string{"d", "s", "h", "bh", "b"} {
		if eatWhitespace.Replace(tags[t]) == "" {
			return nil, fmt.Errorf("%w: %w: %s=",
				ErrParse, errMissingRequiredTag, t)
		}
	}

	sig := &Signature{
		Version:   tags["v"],
		Algorithm: tags["a"],
		Domain:    tags["d"],
		Selector:  tags["s"],
	}

	if v, ok := tags["v"]; ok && v != "1" {
		return nil, fmt.Errorf("%w: %w: %q", ErrParse, errInvalidVersion, v)
	}

	if _, ok := tags["a"]; !ok {
		sig.Algorithm = algorithmRSASHA256
	}
	if !strings.EqualFold(sig.Algorithm, algorithmRSASHA256) {
		return nil, fmt.Errorf("%w: a=%s",
			ErrUnsupportedAlgorithm, sig.Algorithm)
	}

	sig.HeaderCanonicalization, sig.BodyCanonicalization, err =
		ParseCanonicalization(tags["c"])
	if err != nil {
		return nil, fmt.Errorf("%w: c=: %w", ErrParse, err)
	}

	// h is a colon-separated list of header fields.
	for _, h := range strings.Split(eatWhitespace.Replace(tags["h"]), ":") {
		if h == "" {
			return nil, fmt.Errorf("%w: %w: empty name in h=",
				ErrParse, errInvalidTag)
		}
		sig.Headers = append(sig.Headers, h)
	}

	// b and bh are base64-encoded, and whitespace in them must be ignored.
	sig.BodyHash, err = decodeBase64(tags["bh"])
	if err != nil {
		return nil, fmt.Errorf("%w: bh=: %w", ErrParse, err)
	}
	sig.Data, err = decodeBase64(tags["b"])
	if err != nil {
		return nil, fmt.Errorf("%w: b=: %w", ErrParse, err)
	}

	return sig, nil
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(eatWhitespace.Replace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidBase64, err)
	}
	return b, nil
}

// DKIM Tag=Value lists, as defined in RFC 6376, Section 3.2.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.2
type tags map[string]string

// parseTags parses a tag list. Tag names are lower-cased. If a tag appears
// more than once, the last occurrence wins.
func parseTags(s string) (tags, error) {
	tags := make(tags)
	for _, tv := range strings.Split(s, ";") {
		// Empty segments come from a trailing ";" (or ";;"), and are
		// harmless.
		if strings.TrimSpace(tv) == "" {
			continue
		}

		t, v, found := strings.Cut(tv, "=")
		if !found {
			return nil, fmt.Errorf("%w: missing '='", errInvalidTag)
		}

		// Leading and trailing whitespace (including folding) is not part
		// of the tag or the value.
		t = strings.ToLower(strings.TrimSpace(t))
		v = strings.TrimSpace(v)

		if t == "" {
			return nil, fmt.Errorf("%w: missing tag name", errInvalidTag)
		}

		tags[t] = v
	}

	return tags, nil
}

// withoutSignatureData returns the header with the value of its b= tag(s)
// removed, and everything else left untouched.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
func withoutSignatureData(h Header) Header {
	tvs := strings.Split(h.Value, ";")
	for i, tv := range tvs {
		t, _, found := strings.Cut(tv, "=")
		if found && strings.ToLower(strings.TrimSpace(t)) == "b" {
			tvs[i] = t + "="
		}
	}

	value := strings.Join(tvs, ";")
	return Header{
		Name:  h.Name,
		Value: value,
		Raw:   h.Name + ":" + value,
	}
}
