// dkim-verify is a command-line utility to verify and sign messages with
// DKIM (RSA-SHA256 only).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"blitiri.com.ar/go/dkimcheck/internal/config"
	"blitiri.com.ar/go/dkimcheck/internal/dkim"
	"blitiri.com.ar/go/dkimcheck/internal/dnsres"
	"blitiri.com.ar/go/dkimcheck/internal/normalize"
	"blitiri.com.ar/go/dkimcheck/internal/trace"
	"blitiri.com.ar/go/log"
	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v2"
)

// Usage, which doubles as parameter definitions thanks to docopt.
const usage = `
Usage:
  dkim-verify [options] [<file>...]
  dkim-verify [options] sign <domain> <selector> <keyfile> [<message>] [--canon=<c>]
  dkim-verify [options] keygen <domain> <selector> <keyfile> [--bits=<bits>]
  dkim-verify [options] dns <domain> <selector>
  dkim-verify [options] print-config

Verifies the first DKIM-Signature of each message (standard input if no
files are given). Exits with 0 if all signatures are valid, 75 if some could
not be verified due to a temporary error, and 1 otherwise.

Options:
  -c --config=<path>     Configuration file (YAML)
  -o --override=<yaml>   Configuration overrides (YAML)
  -a --auth-results      Print an Authentication-Results header
  --hostname=<name>      Host name for the Authentication-Results header
  --canon=<c>            Canonicalization to sign with, as in the c= tag
                         [default: relaxed/relaxed]
  --bits=<bits>          Size of the RSA key to generate [default: 2048]
  --logfile=<path>       Write logs to this file instead of standard error
  -v --verbose           Trace each step to the log
`

// Exit codes.
const (
	exitOK       = 0
	exitFail     = 1
	exitTempFail = 75 // EX_TEMPFAIL, from sysexits.h.
)

// Command-line arguments.
var args map[string]interface{}

// Configuration, loaded from the --config and --override options.
var conf *config.Config

func main() {
	args, _ = docopt.ParseDoc(usage)

	// log.Init registers its own flags, which docopt would reject, so the
	// logger is set up from our options instead.
	if path := optString("--logfile"); path != "" {
		l, err := log.NewFile(path)
		if err != nil {
			Fatalf("Error opening log file: %v", err)
		}
		log.Default = l
	}
	if args["--verbose"].(bool) {
		log.Default.Level = log.Debug
	}

	var err error
	conf, err = config.Load(optString("--config"), optString("--override"))
	if err != nil {
		Fatalf("Error loading config: %v", err)
	}
	if log.V(log.Debug) {
		config.LogConfig(conf)
	}

	commands := map[string]func(){
		"sign":         sign,
		"keygen":       keygen,
		"dns":          dnsLookup,
		"print-config": printConfig,
	}

	for cmd, f := range commands {
		if args[cmd].(bool) {
			f()
			return
		}
	}

	verify()
}

// Fatalf prints the given message, then exits the program with an error code.
func Fatalf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
	os.Exit(exitFail)
}

func optString(name string) string {
	s, _ := args[name].(string)
	return s
}

func newResolver(c *config.Config) dkim.TXTResolver {
	if c.Resolver == "system" {
		return &dnsres.System{}
	}

	r, err := dnsres.New(dnsres.Config{
		Nameservers: c.Nameservers,
		Timeout:     c.DNSTimeoutDuration(),
		Retries:     *c.DNSRetries,
	})
	if err != nil {
		Fatalf("Error creating resolver: %v", err)
	}
	log.Debugf("Using nameservers %q", r.Nameservers())
	return r
}

func newVerifier(c *config.Config) *dkim.Verifier {
	return &dkim.Verifier{
		Resolver:           newResolver(c),
		RejectPublicSuffix: *c.RejectPublicSuffix,
	}
}

func readMessage(path string) (string, error) {
	var msg []byte
	var err error
	if path == "" || path == "-" {
		msg, err = io.ReadAll(os.Stdin)
	} else {
		msg, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return string(normalize.ToCRLF(msg)), nil
}

// dkim-verify [<file>...]
func verify() {
	paths, _ := args["<file>"].([]string)
	if len(paths) == 0 {
		paths = []string{"-"}
	}

	hostname := optString("--hostname")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	opts := outputOptions{
		authResults: args["--auth-results"].(bool),
		hostname:    hostname,
	}
	code := verifyFiles(context.Background(), newVerifier(conf),
		paths, opts, os.Stdout)
	os.Exit(code)
}

type outputOptions struct {
	authResults bool
	hostname    string
}

// verifyFiles verifies the messages at the given paths concurrently, and
// writes the results to w, in the same order. Returns the exit code.
func verifyFiles(ctx context.Context, v *dkim.Verifier, paths []string, opts outputOptions, w io.Writer) int {
	results := make([]*dkim.Result, len(paths))
	errs := make([]error, len(paths))

	wg := sync.WaitGroup{}
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			results[i], errs[i] = verifyFile(ctx, v, path)
		}(i, path)
	}
	wg.Wait()

	code := exitOK
	for i, path := range paths {
		if errs[i] != nil {
			fmt.Fprintf(w, "%s: error: %v\n", path, errs[i])
			code = exitFail
			continue
		}

		res := results[i]
		fmt.Fprintln(w, formatResult(path, res))
		if opts.authResults {
			ar := "Authentication-Results: " + opts.hostname + "\r\n\t"
			ar += strings.ReplaceAll(strings.TrimSuffix(
				res.AuthenticationResults(), "\r\n"), "\r\n", "\r\n\t")
			fmt.Fprintf(w, "%s\r\n", ar)
		}

		switch res.State() {
		case dkim.PERMFAIL:
			code = exitFail
		case dkim.TEMPFAIL:
			if code == exitOK {
				code = exitTempFail
			}
		}
	}
	return code
}

func verifyFile(ctx context.Context, v *dkim.Verifier, path string) (*dkim.Result, error) {
	msg, err := readMessage(path)
	if err != nil {
		return nil, err
	}

	tr := trace.New("dkim-verify", "")
	defer tr.Finish()
	tr.Debugf("Verifying %q (%d bytes)", path, len(msg))

	ctx = dkim.WithTraceFunc(ctx, tr.Debugf)
	res := v.Verify(ctx, msg)
	if res.Err != nil {
		tr.Error(res.Err)
	}
	return res, nil
}

func formatResult(path string, res *dkim.Result) string {
	s := fmt.Sprintf("%s: %s", path, res.Status)
	if res.Domain != "" {
		s += fmt.Sprintf(" d=%s s=%s", res.Domain, res.Selector)
	}
	if res.Err != nil {
		s += fmt.Sprintf(" (%v)", res.Err)
	}
	return s
}

// dkim-verify print-config
func printConfig() {
	out, err := yaml.Marshal(conf)
	if err != nil {
		Fatalf("Error marshalling config: %v", err)
	}
	fmt.Print(string(out))
}
