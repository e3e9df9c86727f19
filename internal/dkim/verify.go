package dkim

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	errNoSignature          = errors.New("no DKIM-Signature header")
	errPublicSuffixDomain   = errors.New("d= is a public suffix")
	errSignatureHeaderIndex = errors.New("signature header out of range")
)

// Verifier checks DKIM signatures. It holds no state besides its
// configuration, and can be used concurrently.
type Verifier struct {
	// Resolver used to look up public keys. Required.
	Resolver TXTResolver

	// Decomposer used to split messages. If nil, SplitMessage is used.
	Decomposer Decomposer

	// RejectPublicSuffix makes signatures whose d= is a public suffix (like
	// "com" or "co.uk") fail to parse.
	RejectPublicSuffix bool
}

// Verify the first DKIM-Signature of the message, using the given resolver
// for the key lookup.
func Verify(ctx context.Context, message string, resolver TXTResolver) *Result {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, message)
}

// Verify the first DKIM-Signature of the message. Only RSA-SHA256 signatures
// are supported. The result is never nil.
//
// Stages run in a fixed order, and the first failure is returned:
//  1. Parse the DKIM-Signature header (ParseError, UnsupportedAlgorithm).
//  2. Check the body hash (BodyHashMismatch).
//  3. Build the signed header block (MissingSignedHeader).
//  4. Find and decode the public key (KeyNotFound, RevokedKey,
//     ResolverError, UnsupportedAlgorithm, KeyFormatError).
//  5. Check the signature (SignatureInvalid).
func (v *Verifier) Verify(ctx context.Context, message string) *Result {
	// https://datatracker.ietf.org/doc/html/rfc6376#section-6
	res := &Result{}
	res.Err = v.verify(ctx, message, res)
	res.Status = StatusOf(res.Err)

	if res.Err != nil {
		trace(ctx, "Verification failed: %s: %v", res.Status, res.Err)
	} else {
		trace(ctx, "Verification succeeded")
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, message string, res *Result) error {
	decomposer := v.Decomposer
	if decomposer == nil {
		decomposer = DecomposerFunc(SplitMessage)
	}

	headers, body, err := decomposer.Decompose(message)
	if err != nil {
		trace(ctx, "Error parsing message: %v", err)
		if errors.Is(err, ErrParse) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrParse, err)
	}

	// Only the first signature is checked.
	sigIdx := -1
	for i, h := range headers {
		if h.is("DKIM-Signature") {
			sigIdx = i
			break
		}
	}
	if sigIdx < 0 {
		return fmt.Errorf("%w: %w", ErrParse, errNoSignature)
	}
	sigH := headers[sigIdx]
	trace(ctx, "Found DKIM-Signature header: %q", sigH.Value)

	// Stage 1: parse the signature.
	sig, err := ParseSignature(sigH.Value)
	if err != nil {
		return err
	}
	res.Domain = sig.Domain
	res.Selector = sig.Selector
	res.B = base64.StdEncoding.EncodeToString(sig.Data)
	trace(ctx, "Signature: d=%s s=%s c=%s/%s h=%v", sig.Domain, sig.Selector,
		sig.HeaderCanonicalization, sig.BodyCanonicalization, sig.Headers)

	if v.RejectPublicSuffix && isPublicSuffix(sig.Domain) {
		return fmt.Errorf("%w: %w: %q",
			ErrParse, errPublicSuffixDomain, sig.Domain)
	}

	// Stage 2: check the body hash.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
	bodyH := sha256.Sum256([]byte(
		CanonicalizeBody(sig.BodyCanonicalization, body)))
	if subtle.ConstantTimeCompare(bodyH[:], sig.BodyHash) != 1 {
		bodyHStr := base64.StdEncoding.EncodeToString(bodyH[:])
		trace(ctx, "Body hash mismatch: %q", bodyHStr)
		return fmt.Errorf("%w (got %s)", ErrBodyHashMismatch, bodyHStr)
	}
	trace(ctx, "Body hash matches: %q",
		base64.StdEncoding.EncodeToString(bodyH[:]))

	// Stage 3: build the signed header block.
	block, err := SignedHeaderBlock(
		sig.HeaderCanonicalization, headers, sigIdx, sig.Headers)
	if err != nil {
		trace(ctx, "Error building header block: %v", err)
		return err
	}

	// Stage 4: get and decode the public key.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.2
	kr := &KeyResolver{Resolver: v.Resolver}
	pkRecord, err := kr.Resolve(ctx, sig.Domain, sig.Selector)
	if err != nil {
		return err
	}
	pub, err := DecodePublicKey(pkRecord.P)
	if err != nil {
		trace(ctx, "Error decoding public key: %v", err)
		return err
	}

	// Stage 5: check the signature over the header block.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.3
	blockH := sha256.Sum256(block)
	trace(ctx, "Header block hash: %q",
		base64.StdEncoding.EncodeToString(blockH[:]))
	err = rsa.VerifyPKCS1v15(pub, crypto.SHA256, blockH[:], sig.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	return nil
}

// SignedHeaderBlock returns the data covered by the header signature: the
// headers named in h= (in that order), followed by the signature header
// sigIdx with its b= value removed. Each header is canonicalized with c;
// all but the signature header are terminated by CRLF.
//
// Every name in h= selects the last occurrence of that header that has not
// been selected yet, walking the message from the bottom up; if there is
// none left, ErrMissingSignedHeader is returned. The signature header itself
// can never be selected this way.
// https://datatracker.ietf.org/doc/html/rfc6376#section-5.4.2
func SignedHeaderBlock(c Canonicalization, headers Headers, sigIdx int, h []string) ([]byte, error) {
	if sigIdx < 0 || sigIdx >= len(headers) {
		return nil, errSignatureHeaderIndex
	}

	used := make([]bool, len(headers))
	used[sigIdx] = true

	sb := &strings.Builder{}
	for _, name := range h {
		i := len(headers) - 1
		for ; i >= 0; i-- {
			if !used[i] && headers[i].is(name) {
				break
			}
		}
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingSignedHeader, name)
		}
		used[i] = true

		sb.WriteString(CanonicalizeHeader(c, headers[i]))
		sb.WriteString("\r\n")
	}

	// The signature header goes last, without the trailing CRLF.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
	sb.WriteString(CanonicalizeHeader(c,
		withoutSignatureData(headers[sigIdx])))

	return []byte(sb.String()), nil
}

func isPublicSuffix(domain string) bool {
	d := strings.ToLower(strings.TrimSuffix(domain, "."))
	ps, _ := publicsuffix.PublicSuffix(d)
	return ps == d
}
