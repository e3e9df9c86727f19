package dkim

import (
	"errors"
	"fmt"
	"strings"
)

// Errors for each of the verification failures. Results carry one of these
// (wrapped with more details) in Result.Err.
var (
	ErrParse                = errors.New("parse error")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrBodyHashMismatch     = errors.New("body hash mismatch")
	ErrMissingSignedHeader  = errors.New("missing signed header")
	ErrKeyNotFound          = errors.New("key not found")
	ErrRevokedKey           = errors.New("revoked key")
	ErrResolver             = errors.New("resolver error")
	ErrKeyFormat            = errors.New("invalid key format")
	ErrSignatureInvalid     = errors.New("signature invalid")
)

// Status of a verification, which identifies the stage that failed.
type Status int

// The zero Status is not a valid outcome.
const (
	OK Status = iota + 1
	ParseError
	UnsupportedAlgorithm
	BodyHashMismatch
	MissingSignedHeader
	KeyNotFound
	RevokedKey
	ResolverError
	KeyFormatError
	SignatureInvalid
)

var statusNames = map[Status]string{
	OK:                   "Ok",
	ParseError:           "ParseError",
	UnsupportedAlgorithm: "UnsupportedAlgorithm",
	BodyHashMismatch:     "BodyHashMismatch",
	MissingSignedHeader:  "MissingSignedHeader",
	KeyNotFound:          "KeyNotFound",
	RevokedKey:           "RevokedKey",
	ResolverError:        "ResolverError",
	KeyFormatError:       "KeyFormatError",
	SignatureInvalid:     "SignatureInvalid",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var statusErrors = []struct {
	err    error
	status Status
}{
	{ErrParse, ParseError},
	{ErrUnsupportedAlgorithm, UnsupportedAlgorithm},
	{ErrBodyHashMismatch, BodyHashMismatch},
	{ErrMissingSignedHeader, MissingSignedHeader},
	{ErrKeyNotFound, KeyNotFound},
	{ErrRevokedKey, RevokedKey},
	{ErrResolver, ResolverError},
	{ErrKeyFormat, KeyFormatError},
	{ErrSignatureInvalid, SignatureInvalid},
}

// StatusOf returns the status corresponding to the given error. Errors that
// do not wrap any of the package errors are reported as SignatureInvalid.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return SignatureInvalid
}

// Evaluation states, as per
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.9.
type EvaluationState string

const (
	SUCCESS  EvaluationState = "SUCCESS"
	PERMFAIL EvaluationState = "PERMFAIL"
	TEMPFAIL EvaluationState = "TEMPFAIL"
)

// Result of verifying a message.
type Result struct {
	Status Status

	// Domain and selector from the signature header, if it could be parsed.
	Domain   string
	Selector string

	// Base64-encoded signature, if it could be parsed.
	B string

	// Details of the failure; nil on success.
	Err error
}

// OK returns true if the signature was verified successfully.
func (r *Result) OK() bool {
	return r.Status == OK && r.Err == nil
}

// State maps the result to the RFC 6376 evaluation state. Resolver errors
// are the only temporary failures.
func (r *Result) State() EvaluationState {
	switch {
	case r.OK():
		return SUCCESS
	case r.Status == ResolverError:
		return TEMPFAIL
	default:
		return PERMFAIL
	}
}

// AuthenticationResults returns the DKIM-specific contents for an
// Authentication-Results header. The header itself needs to be constructed
// (and the output indented) by the caller.
// https://datatracker.ietf.org/doc/html/rfc8601#section-2.7.1
func (r *Result) AuthenticationResults() string {
	// The ";" goes before each method, so the output can be concatenated
	// with other results.
	ar := &strings.Builder{}
	if errors.Is(r.Err, errNoSignature) {
		ar.WriteString(";dkim=none\r\n")
		return ar.String()
	}

	switch r.State() {
	case SUCCESS:
		ar.WriteString(";dkim=pass")
	case TEMPFAIL:
		fmt.Fprintf(ar, ";dkim=temperror  reason=%q\r\n", r.Err)
	case PERMFAIL:
		if r.Status == BodyHashMismatch || r.Status == SignatureInvalid {
			fmt.Fprintf(ar, ";dkim=fail  reason=%q\r\n", r.Err)
		} else {
			fmt.Fprintf(ar, ";dkim=permerror  reason=%q\r\n", r.Err)
		}
	}

	if r.B != "" {
		// A partial b= identifies which signature is being referred to.
		// https://datatracker.ietf.org/doc/html/rfc6008#section-4
		fmt.Fprintf(ar, "  header.b=%.12s", r.B)
	}
	if r.Domain != "" {
		ar.WriteString("  header.d=" + r.Domain)
	}
	ar.WriteString("\r\n")

	return ar.String()
}
