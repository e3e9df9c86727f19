// Package normalize contains functions to normalize domains and message line
// endings.
package normalize

import (
	"bytes"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// Domain normalizes a DNS domain into a cleaned UTF-8 form, suitable for
// display.
// On error, it will also return the original domain to simplify callers.
func Domain(domain string) (string, error) {
	// Convert to lower case and NFC form for consistency.
	// https://tools.ietf.org/html/rfc5891#section-5.2
	d, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}

	d = norm.NFC.String(d)
	d = strings.ToLower(d)
	return d, nil
}

// DomainToASCII converts a domain to the lower case A-label form used on the
// wire for DNS queries. A trailing dot is preserved.
// On error, it will also return the original domain to simplify callers.
func DomainToASCII(domain string) (string, error) {
	// Not idna.Lookup: its STD3 rules reject the underscore labels of DKIM
	// key names.
	root := strings.HasSuffix(domain, ".")
	d, err := idna.ToASCII(strings.ToLower(strings.TrimSuffix(domain, ".")))
	if err != nil {
		return domain, err
	}

	if root {
		d += "."
	}
	return d, nil
}

// ToCRLF converts the given buffer to CRLF line endings. If a line has a
// preexisting CRLF, it leaves it be. It assumes that CR is never used on its
// own.
func ToCRLF(in []byte) []byte {
	b := bytes.Buffer{}
	b.Grow(len(in))

	// Split("a\nb\n", "\n") -> ["a", "b", ""], so the last element never
	// gets a terminator of its own.
	lines := bytes.Split(in, []byte("\n"))
	for i, line := range lines {
		b.Write(line)
		if i == len(lines)-1 {
			break
		}
		if !bytes.HasSuffix(line, []byte("\r")) {
			b.WriteByte('\r')
		}
		b.WriteByte('\n')
	}

	return b.Bytes()
}

// StringToCRLF is like ToCRLF, but operates on strings.
func StringToCRLF(in string) string {
	if !needsCRLF(in) {
		return in
	}
	return string(ToCRLF([]byte(in)))
}

// needsCRLF reports whether in has at least one bare LF.
func needsCRLF(in string) bool {
	for i := 0; i < len(in); i++ {
		if in[i] == '\n' && (i == 0 || in[i-1] != '\r') {
			return true
		}
	}
	return false
}
