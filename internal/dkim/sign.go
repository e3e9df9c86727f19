package dkim

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Signer produces RSA-SHA256 DKIM signatures.
type Signer struct {
	// Domain to sign for.
	Domain string

	// Selector to use.
	Selector string

	// Private key.
	Key *rsa.PrivateKey

	// Headers to sign, in order. If empty, the headers from headersToSign
	// that are present in the message are used, as many times as they
	// appear.
	Headers []string

	// Canonicalization algorithms. If empty, the verification defaults are
	// used (relaxed for headers, simple for the body).
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization
}

var headersToSign = []string{
	// https://datatracker.ietf.org/doc/html/rfc6376#section-5.4.1
	"From", // Required.
	"Reply-To",
	"Subject",
	"Date",
	"To", "Cc",
	"Resent-Date", "Resent-From", "Resent-To", "Resent-Cc",
	"In-Reply-To", "References",
	"List-Id", "List-Help", "List-Unsubscribe", "List-Subscribe", "List-Post",
	"List-Owner", "List-Archive",

	// Our additions.
	"Message-ID",
}

var (
	errNoKey           = errors.New("no private key")
	errNoHeadersToSign = errors.New("no headers to sign")
)

// Sign the given message. Returns the complete DKIM-Signature header field
// (folded, and terminated with CRLF), to be prepended to the message.
func (s *Signer) Sign(ctx context.Context, message string) (string, error) {
	if s.Key == nil {
		return "", errNoKey
	}

	headers, body, err := SplitMessage(message)
	if err != nil {
		return "", err
	}

	cH, cB := s.HeaderCanonicalization, s.BodyCanonicalization
	if cH == "" {
		cH = defaultHeaderCanonicalization
	}
	if cB == "" {
		cB = defaultBodyCanonicalization
	}

	trace(ctx, "Signing for %s / %s with %s/%s",
		s.Domain, s.Selector, cH, cB)

	hs := s.Headers
	if len(hs) == 0 {
		for _, h := range headersToSign {
			// Include the header as many times as it appears.
			for range headers.FindAll(h) {
				hs = append(hs, h)
			}
		}
	}
	if len(hs) == 0 {
		return "", errNoHeadersToSign
	}

	bodyH := sha256.Sum256([]byte(CanonicalizeBody(cB, body)))

	value := fmt.Sprintf(" v=1; a=%s; c=%s/%s;\r\n\td=%s; s=%s;\r\n",
		algorithmRSASHA256, cH, cB, s.Domain, s.Selector)
	value += fmt.Sprintf("\th=%s;\r\n", formatHeaders(hs))
	value += fmt.Sprintf("\tbh=%s;\r\n",
		base64.StdEncoding.EncodeToString(bodyH[:]))
	value += "\tb="

	// The header block is built exactly like the verifier does, with our
	// (still unsigned) header on top of the message.
	sigH := Header{
		Name:  "DKIM-Signature",
		Value: value,
		Raw:   "DKIM-Signature:" + value,
	}
	block, err := SignedHeaderBlock(cH, append(Headers{sigH}, headers...), 0, hs)
	if err != nil {
		return "", err
	}
	trace(ctx, "Header block: %q", block)

	blockH := sha256.Sum256(block)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, blockH[:])
	if err != nil {
		return "", err
	}

	return sigH.Raw + breakLongLines(
		base64.StdEncoding.EncodeToString(sig)) + "\r\n", nil
}

func breakLongLines(s string) string {
	// Break long lines, indenting with 2 spaces for continuation (to make
	// it clear it's under the same tag).
	const limit = 70
	var sb strings.Builder
	for len(s) > 0 {
		if len(s) > limit {
			sb.WriteString(s[:limit])
			sb.WriteString("\r\n  ")
			s = s[limit:]
		} else {
			sb.WriteString(s)
			s = ""
		}
	}
	return sb.String()
}

func formatHeaders(hs []string) string {
	// Format the list of headers for inclusion in the DKIM-Signature header.
	// This includes converting them to lowercase, and line-wrapping.
	// Extra lines will be indented with 2 spaces, to make it clear they're
	// under the same tag.
	const limit = 70
	var sb strings.Builder
	line := ""
	for i, h := range hs {
		if len(line)+1+len(h) > limit {
			sb.WriteString(line + "\r\n  ")
			line = ""
		}

		if i > 0 {
			line += ":"
		}
		line += h
	}
	sb.WriteString(line)

	return strings.TrimSpace(strings.ToLower(sb.String()))
}
