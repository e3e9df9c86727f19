package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func toCRLF(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// fakeResolver is a TXTResolver that answers from static maps, and counts
// how many lookups it gets.
type fakeResolver struct {
	records map[string][][]string
	errors  map[string]error

	mu      sync.Mutex
	lookups int
}

func (r *fakeResolver) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	r.mu.Lock()
	r.lookups++
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.records[name], r.errors[name]
}

func mustGenerateKey() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}

// Keys used to sign test messages.
var (
	testKey  = mustGenerateKey()
	otherKey = mustGenerateKey()
)

func keyRecord(k *rsa.PrivateKey) string {
	pub, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		panic(err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
}

const testKeyName = "test._domainkey.example.com"

func testResolver() *fakeResolver {
	return &fakeResolver{
		records: map[string][][]string{
			testKeyName: {{keyRecord(testKey)}},
		},
	}
}

// Example message from the RFC 6376 appendix, with two errata applied:
//   - The double space in "game.  Are" should be a single space. Otherwise,
//     the body hash does not match.
//     https://www.rfc-editor.org/errata/eid3192
//   - The header indentation is incorrect, which breaks simple
//     canonicalization.
//     https://www.rfc-editor.org/errata/eid4926
var rfc6376Message = toCRLF(
	`DKIM-Signature: v=1; a=rsa-sha256; s=brisbane; d=example.com;
      c=simple/simple; q=dns/txt; i=joe@football.example.com;
      h=Received : From : To : Subject : Date : Message-ID;
      bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
      b=AuUoFEfDxTDkHlLXSZEpZj79LICEps6eda7W3deTVFOk4yAUoqOB
      4nujc7YopdG5dWLSdNg6xNAZpOPr+kHxt1IrE+NahM6L/LbvaHut
      KVdkLLkpVaVVQPzeRDI009SO2Il5Lu7rDNH6mZckBdrIx0orEtZV
      4bmp/YzhwvcubU4=;
Received: from client1.football.example.com  [192.0.2.1]
      by submitserver.example.com with SUBMISSION;
      Fri, 11 Jul 2003 21:01:54 -0700 (PDT)
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game. Are you hungry yet?

Joe.
`)

func rfc6376Resolver() *fakeResolver {
	// Public key from the RFC 6376 appendix C example.
	// https://datatracker.ietf.org/doc/html/rfc6376#appendix-C
	return &fakeResolver{
		records: map[string][][]string{
			"brisbane._domainkey.example.com": {
				{"v=DKIM1; p=" + exampleRSAKeyB64},
			},
		},
	}
}

func TestVerifyRFC6376Example(t *testing.T) {
	ctx := WithTraceFunc(context.Background(), t.Logf)
	resolver := rfc6376Resolver()

	cases := []struct {
		message string
		status  Status
	}{
		{rfc6376Message, OK},

		// Extend the body.
		{rfc6376Message + "Extra line.\r\n", BodyHashMismatch},

		// Empty lines at the end don't matter for simple canonicalization.
		{rfc6376Message + "\r\n\r\n", OK},

		// Alter the value of a signed header.
		{strings.Replace(rfc6376Message,
			"Is dinner ready?", "Is lunch ready?", 1), SignatureInvalid},

		// Remove a signed header (by renaming it).
		{strings.Replace(rfc6376Message,
			"Subject:", "X-Subject:", 1), MissingSignedHeader},

		// Add a header that is not signed.
		{strings.Replace(rfc6376Message,
			"Subject:", "X-Spam: no\r\nSubject:", 1), OK},

		// Simple canonicalization is sensitive to changes in whitespace.
		{strings.Replace(rfc6376Message,
			"Subject: Is", "Subject:  Is", 1), SignatureInvalid},

		// Bare LF line endings are normalized before verifying.
		{strings.ReplaceAll(rfc6376Message, "\r\n", "\n"), OK},
	}

	for i, c := range cases {
		res := Verify(ctx, c.message, resolver)
		if res.Status != c.status {
			t.Errorf("%d: Verify status: got %v (%v), want %v",
				i, res.Status, res.Err, c.status)
		}
		if res.Domain != "example.com" || res.Selector != "brisbane" {
			t.Errorf("%d: Verify: got d=%q s=%q", i, res.Domain, res.Selector)
		}
	}
}

// Example message from RFC 8463, appendix A.3. The first signature is
// Ed25519; the second one is RSA, and it signs From, Subject and Date twice
// (to prevent headers being added).
// https://datatracker.ietf.org/doc/html/rfc8463#appendix-A.3
var rfc8463Sigs = toCRLF(
	`DKIM-Signature: v=1; a=ed25519-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=brisbane; t=1528637909; h=from : to :
 subject : date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=/gCrinpcQOoIfuHNQIbq4pgh9kyIK3AQUdt9OdqQehSwhEIug4D11Bus
 Fa3bT3FY5OsU7ZbnKELq+eXdp1Q1Dw==
`)

var rfc8463Message = toCRLF(
	`DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=test; t=1528637909; h=from : to : subject :
 date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=F45dVWDfMbQDGHJFlXUNB2HKfbCeLRyhDXgFpEL8GwpsRe0IeIixNTe3
 DhCVlUrSjV4BwcVcOF6+FF3Zo9Rpo1tFOeS9mPYQTnGdaSGsgeefOsk2Jz
 dA+L10TeYt9BgDfQNZtKdN1WO//KgIqXP7OdEFE4LjFYNcUxZQ4FADY+8=
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game.  Are you hungry yet?

Joe.
`)

func TestVerifyRFC8463Example(t *testing.T) {
	ctx := WithTraceFunc(context.Background(), t.Logf)
	resolver := &fakeResolver{
		records: map[string][][]string{
			"test._domainkey.football.example.com": {{
				"v=DKIM1; k=rsa; ",
				"p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQDkHlOQoBTzWR" +
					"iGs5V6NpP3idY6Wk08a5qhdR6wy5bdOKb2jLQiY/J16JYi0Qvx/b" +
					"yYzCNb3W91y3FutACDfzwQ/BC/e/8uBsCR+yz1Lxj+PL6lHvqMKr" +
					"M3rG4hstT5QjvHO9PzoxZyVYLzBfO2EeC3Ip3G+2kryOTIKT+l/K" +
					"4w3QIDAQAB",
			}},
		},
	}

	// Only the first signature is looked at, and Ed25519 is not supported.
	res := Verify(ctx, rfc8463Sigs+rfc8463Message, resolver)
	if res.Status != UnsupportedAlgorithm {
		t.Errorf("Verify with Ed25519 first: got %v (%v), want %v",
			res.Status, res.Err, UnsupportedAlgorithm)
	}

	// The RSA signature has the right body hash, but names headers more
	// times than they appear, which is not allowed.
	res = Verify(ctx, rfc8463Message, resolver)
	if res.Status != MissingSignedHeader {
		t.Errorf("Verify RSA signature: got %v (%v), want %v",
			res.Status, res.Err, MissingSignedHeader)
	}
	if resolver.lookups != 0 {
		t.Errorf("unexpected key lookups: %d", resolver.lookups)
	}
}

func signMessage(t *testing.T, s *Signer, message string) string {
	t.Helper()
	ctx := WithTraceFunc(context.Background(), t.Logf)
	sig, err := s.Sign(ctx, message)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sig + message
}

func newTestSigner() *Signer {
	return &Signer{
		Domain:   "example.com",
		Selector: "test",
		Key:      testKey,
	}
}

var simpleMessage = toCRLF(`From: alice@example.com
To: bob@example.net
Subject: greetings

hi
`)

func TestVerifyStatuses(t *testing.T) {
	signed := signMessage(t, newTestSigner(), simpleMessage)
	badKeyRecord := "v=DKIM1; p=" +
		base64.StdEncoding.EncodeToString([]byte("not a key"))
	testErr := errors.New("SERVFAIL")

	cases := []struct {
		message  string
		resolver *fakeResolver
		status   Status
		err      error
	}{
		{signed, testResolver(), OK, nil},

		// Key problems.
		{signed, &fakeResolver{}, KeyNotFound, ErrKeyNotFound},
		{signed, &fakeResolver{records: map[string][][]string{
			testKeyName: {{"v=DKIM1; p="}}}},
			RevokedKey, ErrRevokedKey},
		{signed, &fakeResolver{records: map[string][][]string{
			testKeyName: {{"v=DKIM1; k=ed25519; p=abcd"}}}},
			UnsupportedAlgorithm, ErrUnsupportedAlgorithm},
		{signed, &fakeResolver{records: map[string][][]string{
			testKeyName: {{badKeyRecord}}}},
			KeyFormatError, ErrKeyFormat},
		{signed, &fakeResolver{errors: map[string]error{
			testKeyName: testErr}},
			ResolverError, testErr},

		// Key of an unrelated key pair.
		{signed, &fakeResolver{records: map[string][][]string{
			testKeyName: {{keyRecord(otherKey)}}}},
			SignatureInvalid, ErrSignatureInvalid},

		// Message problems.
		{"no separator", testResolver(), ParseError, errNoSeparator},
		{simpleMessage, testResolver(), ParseError, errNoSignature},
		{"DKIM-Signature: v=1; a=rsa-sha256\r\n\r\n", testResolver(),
			ParseError, errMissingRequiredTag},
	}

	for i, c := range cases {
		res := Verify(context.Background(), c.message, c.resolver)
		if res.Status != c.status {
			t.Errorf("%d: got status %v (%v), want %v",
				i, res.Status, res.Err, c.status)
		}
		if diff := cmp.Diff(c.err, res.Err, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("%d: error mismatch (-want +got):\n%s", i, diff)
		}
		if res.OK() != (c.status == OK) {
			t.Errorf("%d: OK() = %v for status %v", i, res.OK(), res.Status)
		}
	}
}

func TestStageOrder(t *testing.T) {
	signed := signMessage(t, newTestSigner(), simpleMessage)

	// Body hash failures are reported before any key lookup, and before
	// looking at the signed headers.
	resolver := &fakeResolver{}
	msg := strings.Replace(signed, "Subject:", "X-Subject:", 1) + "tamper\r\n"
	res := Verify(context.Background(), msg, resolver)
	if res.Status != BodyHashMismatch || resolver.lookups != 0 {
		t.Errorf("got %v with %d lookups, want %v with none",
			res.Status, resolver.lookups, BodyHashMismatch)
	}

	// Missing headers are reported before any key lookup.
	msg = strings.Replace(signed, "Subject:", "X-Subject:", 1)
	res = Verify(context.Background(), msg, resolver)
	if res.Status != MissingSignedHeader || resolver.lookups != 0 {
		t.Errorf("got %v with %d lookups, want %v with none",
			res.Status, resolver.lookups, MissingSignedHeader)
	}

	// Unsupported algorithms are found when parsing.
	msg = strings.Replace(signed, "a=rsa-sha256", "a=rsa-sha1", 1)
	res = Verify(context.Background(), msg, resolver)
	if res.Status != UnsupportedAlgorithm || resolver.lookups != 0 {
		t.Errorf("got %v with %d lookups, want %v with none",
			res.Status, resolver.lookups, UnsupportedAlgorithm)
	}

	// With everything else fine, we look up the key exactly once.
	res = Verify(context.Background(), signed, resolver)
	if res.Status != KeyNotFound || resolver.lookups != 1 {
		t.Errorf("got %v with %d lookups, want %v with 1",
			res.Status, resolver.lookups, KeyNotFound)
	}
}

func TestVerifyCancelled(t *testing.T) {
	signed := signMessage(t, newTestSigner(), simpleMessage)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Verify(ctx, signed, testResolver())
	if res.Status != ResolverError || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("got %v (%v), want %v", res.Status, res.Err, ResolverError)
	}
}

func TestVerifyOnlyFirstSignature(t *testing.T) {
	s := newTestSigner()
	signed := signMessage(t, s, simpleMessage)

	// A second, valid signature below a broken first one is not looked at.
	broken := "DKIM-Signature: v=1; d=example.com; s=test; h=from;" +
		" bh=AAAA; b=AAAA\r\n"
	res := Verify(context.Background(), broken+signed, testResolver())
	if res.Status != BodyHashMismatch {
		t.Errorf("got %v (%v), want %v", res.Status, res.Err, BodyHashMismatch)
	}

	// A broken signature below a valid one does not matter.
	lines := strings.SplitN(signed, "\r\nFrom:", 2)
	msg := lines[0] + "\r\n" + broken + "From:" + lines[1]
	res = Verify(context.Background(), msg, testResolver())
	if res.Status != OK {
		t.Errorf("got %v (%v), want %v", res.Status, res.Err, OK)
	}
}

func TestVerifyPublicSuffix(t *testing.T) {
	s := newTestSigner()
	s.Domain = "co.uk"
	signed := signMessage(t, s, simpleMessage)
	resolver := &fakeResolver{
		records: map[string][][]string{
			"test._domainkey.co.uk": {{keyRecord(testKey)}},
		},
	}

	v := &Verifier{Resolver: resolver}
	if res := v.Verify(context.Background(), signed); res.Status != OK {
		t.Errorf("got %v (%v), want %v", res.Status, res.Err, OK)
	}

	v.RejectPublicSuffix = true
	res := v.Verify(context.Background(), signed)
	if res.Status != ParseError || !errors.Is(res.Err, errPublicSuffixDomain) {
		t.Errorf("got %v (%v), want %v", res.Status, res.Err, ParseError)
	}

	for _, d := range []string{"com", "co.uk", "CO.UK.", "github.io"} {
		if !isPublicSuffix(d) {
			t.Errorf("isPublicSuffix(%q) = false", d)
		}
	}
	for _, d := range []string{"example.com", "example.co.uk", "x.github.io"} {
		if isPublicSuffix(d) {
			t.Errorf("isPublicSuffix(%q) = true", d)
		}
	}
}

func TestVerifyCustomDecomposer(t *testing.T) {
	testErr := errors.New("can't split")
	v := &Verifier{
		Resolver: testResolver(),
		Decomposer: DecomposerFunc(func(string) (Headers, string, error) {
			return nil, "", testErr
		}),
	}

	res := v.Verify(context.Background(), simpleMessage)
	if res.Status != ParseError || !errors.Is(res.Err, testErr) {
		t.Errorf("got %v (%v), want %v", res.Status, res.Err, ParseError)
	}
}

func TestVerifyDecomposerWithoutRaw(t *testing.T) {
	s := newTestSigner()
	s.HeaderCanonicalization = Simple
	s.BodyCanonicalization = Simple
	signed := signMessage(t, s, simpleMessage)

	// A decomposer that only fills in names and values.
	v := &Verifier{
		Resolver: testResolver(),
		Decomposer: DecomposerFunc(func(msg string) (Headers, string, error) {
			hs, body, err := SplitMessage(msg)
			for i := range hs {
				hs[i].Raw = ""
			}
			return hs, body, err
		}),
	}

	res := v.Verify(context.Background(), signed)
	if res.Status != OK {
		t.Errorf("got %v (%v), want %v", res.Status, res.Err, OK)
	}
}

func TestVerifyConcurrently(t *testing.T) {
	signed := signMessage(t, newTestSigner(), simpleMessage)
	tampered := strings.Replace(signed, "greetings", "gr33tings", 1)
	v := &Verifier{Resolver: testResolver()}

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, want := signed, OK
			if i%2 == 1 {
				msg, want = tampered, SignatureInvalid
			}
			res := v.Verify(context.Background(), msg)
			if res.Status != want {
				t.Errorf("%d: got %v (%v), want %v",
					i, res.Status, res.Err, want)
			}
		}(i)
	}
	wg.Wait()
}

func mkHs(hs ...string) Headers {
	var headers Headers
	for i := 0; i < len(hs); i += 2 {
		headers = append(headers, Header{
			Name:  hs[i],
			Value: hs[i+1],
			Raw:   hs[i] + ":" + hs[i+1],
		})
	}
	return headers
}

func TestSignedHeaderBlock(t *testing.T) {
	hs := mkHs(
		"DKIM-Signature", " b=AAAA; d=x",
		"From", " a@b",
		"X-A", " 1",
		"DKIM-Signature", " b=BBBB; d=y",
		"x-a", " 2",
	)

	cases := []struct {
		h    []string
		want string
		err  error
	}{
		{nil, "dkim-signature:b=; d=x", nil},
		{[]string{"from"}, "from:a@b\r\ndkim-signature:b=; d=x", nil},

		// Repeated names are consumed from the bottom up.
		{[]string{"X-A"}, "x-a:2\r\ndkim-signature:b=; d=x", nil},
		{[]string{"x-a", "x-a"},
			"x-a:2\r\nx-a:1\r\ndkim-signature:b=; d=x", nil},
		{[]string{"x-a", "from", "x-a"},
			"x-a:2\r\nfrom:a@b\r\nx-a:1\r\ndkim-signature:b=; d=x", nil},

		// Other signatures can be signed, but not the one being verified.
		{[]string{"dkim-signature"},
			"dkim-signature:b=BBBB; d=y\r\ndkim-signature:b=; d=x", nil},
		{[]string{"dkim-signature", "dkim-signature"}, "",
			ErrMissingSignedHeader},

		// Missing headers.
		{[]string{"x-a", "x-a", "x-a"}, "", ErrMissingSignedHeader},
		{[]string{"from", "to"}, "", ErrMissingSignedHeader},
	}

	for i, c := range cases {
		got, err := SignedHeaderBlock(Relaxed, hs, 0, c.h)
		if diff := cmp.Diff(c.want, string(got)); diff != "" {
			t.Errorf("%d: SignedHeaderBlock(%q) mismatch (-want +got):\n%s",
				i, c.h, diff)
		}
		if diff := cmp.Diff(c.err, err, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("%d: SignedHeaderBlock(%q) error (-want +got):\n%s",
				i, c.h, diff)
		}
	}

	// Simple canonicalization uses the headers as they are.
	got, err := SignedHeaderBlock(Simple, hs, 3, []string{"x-a", "From"})
	want := "x-a: 2\r\nFrom: a@b\r\nDKIM-Signature: b=; d=y"
	if err != nil || string(got) != want {
		t.Errorf("SignedHeaderBlock(Simple) = %q / %v, want %q",
			got, err, want)
	}

	// Invalid index.
	_, err = SignedHeaderBlock(Simple, hs, 5, nil)
	if err == nil {
		t.Errorf("SignedHeaderBlock with invalid index did not fail")
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status Status
	}{
		{nil, OK},
		{ErrParse, ParseError},
		{ErrKeyNotFound, KeyNotFound},
		{errors.New("unknown"), SignatureInvalid},
	}
	for _, c := range cases {
		if got := StatusOf(c.err); got != c.status {
			t.Errorf("StatusOf(%v) = %v, want %v", c.err, got, c.status)
		}
	}

	for _, se := range statusErrors {
		wrapped := errors.Join(errors.New("context"), se.err)
		if got := StatusOf(wrapped); got != se.status {
			t.Errorf("StatusOf(%v) = %v, want %v", wrapped, got, se.status)
		}
		if se.status.String() == "" {
			t.Errorf("status %d has no name", int(se.status))
		}
	}

	if s := Status(0).String(); s != "Status(0)" {
		t.Errorf("Status(0).String() = %q", s)
	}
	if (&Result{}).OK() {
		t.Errorf("zero Result is OK")
	}
}

func TestAuthenticationResults(t *testing.T) {
	cases := []struct {
		res  *Result
		want string
	}{
		{
			&Result{Status: OK, Domain: "example.com",
				B: "AAAABBBBCCCCDDDD"},
			";dkim=pass  header.b=AAAABBBBCCCC  header.d=example.com\r\n",
		},
		{
			&Result{Status: ResolverError, Domain: "example.com",
				Err: ErrResolver},
			";dkim=temperror  reason=\"resolver error\"\r\n" +
				"  header.d=example.com\r\n",
		},
		{
			&Result{Status: SignatureInvalid, Domain: "example.com",
				Err: ErrSignatureInvalid},
			";dkim=fail  reason=\"signature invalid\"\r\n" +
				"  header.d=example.com\r\n",
		},
		{
			&Result{Status: KeyNotFound, Domain: "example.com",
				Err: ErrKeyNotFound},
			";dkim=permerror  reason=\"key not found\"\r\n" +
				"  header.d=example.com\r\n",
		},
		{
			&Result{Status: ParseError, Err: errNoSignature},
			";dkim=none\r\n",
		},
	}

	for i, c := range cases {
		got := c.res.AuthenticationResults()
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("%d: AuthenticationResults mismatch (-want +got):\n%s",
				i, diff)
		}
	}
}
