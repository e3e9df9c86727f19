package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"blitiri.com.ar/go/dkimcheck/internal/dkim"
	"blitiri.com.ar/go/dkimcheck/internal/normalize"
	"blitiri.com.ar/go/dkimcheck/internal/trace"
)

var (
	errNoPEM        = errors.New("no PEM block found")
	errNotRSA       = errors.New("not an RSA private key")
	errUnknownBlock = errors.New("unsupported PEM block type")
)

// dkim-verify sign <domain> <selector> <keyfile> [<message>] [--canon=<c>]
func sign() {
	key, err := loadPrivateKey(args["<keyfile>"].(string))
	if err != nil {
		Fatalf("Error loading private key: %v", err)
	}

	signer, err := newSigner(args["<domain>"].(string),
		args["<selector>"].(string), optString("--canon"), key)
	if err != nil {
		Fatalf("Error: %v", err)
	}

	msg, err := readMessage(optString("<message>"))
	if err != nil {
		Fatalf("Error reading message: %v", err)
	}

	tr := trace.New("dkim-sign", "")
	defer tr.Finish()
	ctx := dkim.WithTraceFunc(context.Background(), tr.Debugf)

	sig, err := signer.Sign(ctx, msg)
	if err != nil {
		Fatalf("Error signing message: %v", tr.Error(err))
	}
	fmt.Print(sig + msg)
}

func newSigner(domain, selector, canon string, key *rsa.PrivateKey) (*dkim.Signer, error) {
	domain, err := normalize.DomainToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("normalizing domain: %w", err)
	}

	cH, cB, err := dkim.ParseCanonicalization(canon)
	if err != nil {
		return nil, fmt.Errorf("invalid canonicalization %q: %w", canon, err)
	}

	return &dkim.Signer{
		Domain:                 domain,
		Selector:               selector,
		Key:                    key,
		HeaderCanonicalization: cH,
		BodyCanonicalization:   cB,
	}, nil
}

// loadPrivateKey loads an RSA private key from a PEM file, in either PKCS#1
// or PKCS#8 form.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parsePrivateKey(data)
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPEM
	}

	switch strings.ToUpper(block.Type) {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w (%T)", errNotRSA, k)
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownBlock, block.Type)
	}
}

// dkim-verify keygen <domain> <selector> <keyfile> [--bits=<bits>]
func keygen() {
	domain := args["<domain>"].(string)
	selector := args["<selector>"].(string)
	keyPath := args["<keyfile>"].(string)

	bits, err := strconv.Atoi(optString("--bits"))
	if err != nil || bits < 1024 {
		Fatalf("Error: invalid key size %q", optString("--bits"))
	}

	if _, err := os.Stat(keyPath); !os.IsNotExist(err) {
		Fatalf("Error: key already exists at %q", keyPath)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		Fatalf("Error generating key: %v", err)
	}

	if err := saveKey(keyPath, key); err != nil {
		Fatalf("Error writing key to %q: %v", keyPath, err)
	}

	fmt.Printf("Key written to %q\n\n", keyPath)

	record, err := dnsRecordFor(domain, selector, key)
	if err != nil {
		Fatalf("Error marshalling public key: %v", err)
	}
	fmt.Println(record)
}

// saveKey writes the key to a new file. If that fails, the file is removed
// so keygen can be run again.
func saveKey(path string, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return err
	}

	err = writeKey(f, key)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

// Replaced in tests.
var writeKey = writePrivateKey

func writePrivateKey(w io.Writer, key *rsa.PrivateKey) error {
	privB, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privB,
	})
}

// dnsRecordFor returns the TXT record to publish for the key, in zone file
// format.
func dnsRecordFor(domain, selector string, key *rsa.PrivateKey) (string, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}

	value := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubBytes)

	// Each character-string can be at most 255 bytes long.
	var chunks []string
	for len(value) > 255 {
		chunks = append(chunks, strconv.Quote(value[:255]))
		value = value[255:]
	}
	chunks = append(chunks, strconv.Quote(value))

	return fmt.Sprintf("%s._domainkey.%s\tTXT\t%s",
		selector, domain, strings.Join(chunks, " ")), nil
}

// dkim-verify dns <domain> <selector>
func dnsLookup() {
	out, err := describeKey(context.Background(), newResolver(conf),
		args["<domain>"].(string), args["<selector>"].(string))
	fmt.Print(out)
	if err != nil {
		Fatalf("Error: %v", err)
	}
}

// describeKey looks up the key record like the verifier does, and describes
// what was found.
func describeKey(ctx context.Context, r dkim.TXTResolver, domain, selector string) (string, error) {
	sb := &strings.Builder{}

	tr := trace.New("dkim-dns", "")
	defer tr.Finish()
	ctx = dkim.WithTraceFunc(ctx, tr.Debugf)

	name := selector + "._domainkey." + domain
	records, err := r.LookupTXT(ctx, name)
	if err != nil {
		return sb.String(), tr.Error(err)
	}

	fmt.Fprintf(sb, "%s: %d TXT record(s)\n", name, len(records))
	for i, fragments := range records {
		fmt.Fprintf(sb, "  %d: %q\n", i, fragments)
	}

	kr := &dkim.KeyResolver{Resolver: r}
	pk, err := kr.Resolve(ctx, domain, selector)
	if err != nil {
		return sb.String(), tr.Error(err)
	}
	pub, err := dkim.DecodePublicKey(pk.P)
	if err != nil {
		return sb.String(), tr.Error(err)
	}

	fmt.Fprintf(sb, "Key: %s, %d bits\n", pk.KeyType, pub.Size()*8)
	return sb.String(), nil
}
