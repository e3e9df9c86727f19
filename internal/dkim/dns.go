package dkim

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// TXTResolver looks up DNS TXT records.
//
// Each record is returned as its list of character-strings, in the order
// they appear; records are in response order. A name without TXT records
// (including one that does not exist) must return no records and a nil
// error; errors are reserved for lookups that could not be completed.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([][]string, error)
}

// PublicKeyRecord is the key record found for a selector and domain.
type PublicKeyRecord struct {
	// Name that was queried.
	Name string

	// Full text of the record, after joining its character-strings.
	Text string

	// Key type, from k= (defaults to "rsa").
	KeyType string

	// Public key data from p=, base64-encoded, with whitespace removed.
	P string
}

func (pk *PublicKeyRecord) String() string {
	return fmt.Sprintf("[%s %s:%.12s]", pk.Name, pk.KeyType, pk.P)
}

// KeyResolver finds the public key record for a selector and domain.
// It does not cache nor retry; that is left to the TXTResolver.
type KeyResolver struct {
	Resolver TXTResolver
}

var (
	errNoResolver  = errors.New("no resolver configured")
	errNotRSAKey   = errors.New("not an RSA public key")
	errKeyTooSmall = errors.New("RSA public key too small")
)

// Resolve the key record at <selector>._domainkey.<domain>.
//
// The first record (in response order) with a non-empty p= tag is used.
// If there is none, ErrRevokedKey is returned if some record had an empty
// p=, and ErrKeyNotFound otherwise.
func (kr *KeyResolver) Resolve(ctx context.Context, domain, selector string) (*PublicKeyRecord, error) {
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.2
	name := selector + "._domainkey." + domain

	if kr.Resolver == nil {
		return nil, fmt.Errorf("%w: %w", ErrResolver, errNoResolver)
	}

	records, err := kr.Resolver.LookupTXT(ctx, name)
	if err != nil {
		trace(ctx, "TXT lookup of %q failed: %v", name, err)
		return nil, fmt.Errorf("%w: %w", ErrResolver, err)
	}

	revoked := false
	for _, fragments := range records {
		// Records may be split in multiple character-strings, which need to
		// be put back together before parsing.
		text := strings.Join(fragments, "")
		trace(ctx, "TXT record for %q: %q", name, text)

		// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.1
		tags, err := parseTags(text)
		if err != nil {
			trace(ctx, "Skipping: %v", err)
			continue
		}

		// "v" is optional, but if present it must be "DKIM1".
		if v, ok := tags["v"]; ok && v != "DKIM1" {
			trace(ctx, "Skipping: %v %q", errInvalidVersion, v)
			continue
		}

		p, ok := tags["p"]
		if !ok {
			trace(ctx, "Skipping: no p= tag")
			continue
		}

		// An empty p= means the key was revoked.
		p = eatWhitespace.Replace(p)
		if p == "" {
			trace(ctx, "Skipping: empty p= (revoked key)")
			revoked = true
			continue
		}

		pk := &PublicKeyRecord{
			Name:    name,
			Text:    text,
			KeyType: "rsa",
			P:       p,
		}
		if k, ok := tags["k"]; ok {
			pk.KeyType = k
		}
		if !strings.EqualFold(pk.KeyType, "rsa") {
			return nil, fmt.Errorf("%w: k=%s",
				ErrUnsupportedAlgorithm, pk.KeyType)
		}

		// h= is an optional list of acceptable hash algorithms.
		if h := eatWhitespace.Replace(tags["h"]); h != "" &&
			!slices.Contains(strings.Split(h, ":"), "sha256") {
			return nil, fmt.Errorf("%w: h=%s", ErrUnsupportedAlgorithm, h)
		}

		trace(ctx, "Found public key: %s", pk)
		return pk, nil
	}

	if revoked {
		return nil, fmt.Errorf("%w: %s", ErrRevokedKey, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
}

// DecodePublicKey decodes the base64 p= value of a key record into an RSA
// public key. Both PKCS#1 and SubjectPublicKeyInfo encodings are accepted
// (see https://www.rfc-editor.org/errata/eid3017); PKCS#1 is tried first.
// All errors wrap ErrKeyFormat.
func DecodePublicKey(p string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(eatWhitespace.Replace(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrKeyFormat, errInvalidBase64, err)
	}

	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		pkix, pkixErr := x509.ParsePKIXPublicKey(der)
		if pkixErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyFormat, pkixErr)
		}

		var ok bool
		pub, ok = pkix.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %w: %T", ErrKeyFormat, errNotRSAKey, pkix)
		}
	}

	// Enforce 1024-bit minimum.
	// https://datatracker.ietf.org/doc/html/rfc8301#section-3.2
	if pub.Size()*8 < 1024 {
		return nil, fmt.Errorf("%w: %w: %d bits",
			ErrKeyFormat, errKeyTooSmall, pub.Size()*8)
	}

	return pub, nil
}
