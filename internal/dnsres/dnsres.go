// Package dnsres implements TXT resolvers for DKIM key lookups.
//
// All resolvers follow the same contract: names without TXT records
// (including names that don't exist) return no records and a nil error, and
// errors are only returned for lookups that could not be completed.
package dnsres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/dkimcheck/internal/normalize"
	"github.com/miekg/dns"
)

// Errors for lookups that could not be completed.
var (
	ErrServFail = errors.New("server failure")
	ErrRefused  = errors.New("query refused")
	ErrTimeout  = errors.New("query timed out")
)

// Config for Resolver.
type Config struct {
	// Nameservers to query, in host:port form. If empty, the ones from
	// /etc/resolv.conf are used.
	Nameservers []string

	// Timeout for each query. Default is 5 seconds.
	Timeout time.Duration

	// Retries after the first round of queries to all nameservers fails.
	Retries int
}

// Resolver looks up TXT records by querying the nameservers directly.
// It keeps the character-strings of each record separate.
type Resolver struct {
	config Config
	client *dns.Client

	// For retrying truncated replies.
	tcpClient *dns.Client
}

const resolvConf = "/etc/resolv.conf"

// New returns a Resolver for the given configuration.
func New(config Config) (*Resolver, error) {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if len(config.Nameservers) == 0 {
		var err error
		config.Nameservers, err = systemNameservers(resolvConf)
		if err != nil {
			return nil, err
		}
	}

	return &Resolver{
		config: config,
		client: &dns.Client{
			Net:     "udp",
			Timeout: config.Timeout,
		},
		tcpClient: &dns.Client{
			Net:     "tcp",
			Timeout: config.Timeout,
		},
	}, nil
}

func systemNameservers(path string) ([]string, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(conf.Servers) == 0 {
		return nil, fmt.Errorf("no nameservers in %s", path)
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers, nil
}

// Nameservers the resolver will query, in order.
func (r *Resolver) Nameservers() []string {
	return r.config.Nameservers
}

// LookupTXT returns the TXT records for the name.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	qname, err := normalize.DomainToASCII(name)
	if err != nil {
		return nil, fmt.Errorf("invalid name %q: %w", name, err)
	}

	resp, err := r.query(ctx, dns.Fqdn(qname), dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var records [][]string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, txt.Txt)
		}
	}
	return records, nil
}

// query sends the question to each nameserver in turn, with retries, until
// one of them gives a definitive answer. NXDOMAIN is turned into an empty
// response.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true
	m.SetEdns0(edns0Size, false)

	var lastErr error
	for i := 0; i <= r.config.Retries; i++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, err := r.exchange(ctx, m, server)
			if err != nil {
				lastErr = exchangeError(server, err)
				continue
			}

			switch resp.Rcode {
			case dns.RcodeSuccess:
				return resp, nil
			case dns.RcodeNameError:
				return &dns.Msg{}, nil
			case dns.RcodeServerFailure:
				lastErr = fmt.Errorf("%w (from %s)", ErrServFail, server)
			case dns.RcodeRefused:
				lastErr = fmt.Errorf("%w (from %s)", ErrRefused, server)
			default:
				lastErr = fmt.Errorf("unexpected rcode %s from %s",
					dns.RcodeToString[resp.Rcode], server)
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no nameservers", ErrServFail)
	}
	return nil, lastErr
}

// Key records often don't fit in the classic 512 byte limit.
const edns0Size = 4096

// exchange sends the query over UDP, and retries over TCP if the reply was
// truncated.
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
	resp, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil || !resp.Truncated {
		return resp, err
	}

	resp, _, err = r.tcpClient.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("reply truncated, over tcp: %w", err)
	}
	return resp, nil
}

func exchangeError(server string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w (%s): %w", ErrTimeout, server, err)
	}
	return fmt.Errorf("querying %s: %w", server, err)
}

// System resolves using the Go standard resolver (which uses the system
// configuration). It can't tell the character-strings of a record apart,
// so each record is returned as a single string.
type System struct {
	Resolver *net.Resolver
}

// LookupTXT returns the TXT records for the name.
func (s *System) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	txts, err := r.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, err
	}

	records := make([][]string, 0, len(txts))
	for _, t := range txts {
		records = append(records, []string{t})
	}
	return records, nil
}

// Static resolves from a fixed set of records, for tests and offline
// verification. Names are case-insensitive, and the trailing dot is
// optional.
type Static struct {
	// Name -> records.
	Records map[string][][]string

	// Name -> error to return when looking it up.
	Errors map[string]error
}

// LookupTXT returns the TXT records for the name.
func (s *Static) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := strings.ToLower(strings.TrimSuffix(name, "."))
	for n, err := range s.Errors {
		if strings.ToLower(strings.TrimSuffix(n, ".")) == key {
			return nil, err
		}
	}
	for n, records := range s.Records {
		if strings.ToLower(strings.TrimSuffix(n, ".")) == key {
			return records, nil
		}
	}
	return nil, nil
}

// AddRecord adds a TXT record for the name, made of the given
// character-strings.
func (s *Static) AddRecord(name string, fragments ...string) {
	if s.Records == nil {
		s.Records = map[string][][]string{}
	}
	s.Records[name] = append(s.Records[name], fragments)
}
