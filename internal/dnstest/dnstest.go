// Package dnstest implements a trivial authoritative DNS server, to be used
// in tests.
//
// Zones are given as text, with one entry per line:
//
//	<name> <type> [<value>]
//
// For example:
//
//	sel._domainkey.example.com  TXT  "v=DKIM1; " "p=MIIB..."
//	long.example.com            TXT  v=DKIM1; p=MIIB...
//	host.example.com            A    1.2.3.4
//	broken.example.com          SERVFAIL
//	closed.example.com          REFUSED
//	slow.example.com            DROP
//
// TXT values can be given as a list of quoted character-strings, which are
// kept as they are; otherwise the value is cut in chunks of 254 bytes. Each
// TXT line is a separate record. SERVFAIL and REFUSED make the server reply
// with that response code, and DROP makes it not reply at all. Names without
// entries get NXDOMAIN.
//
// The server listens on the same port over UDP and TCP. UDP replies that
// don't fit in 512 bytes (or in the EDNS0 payload size the query
// advertises) are sent truncated, without answers, so clients have to retry
// over TCP.
//
// It's only meant to be used for testing, so it's not robust, performant, or
// standards compliant.
package dnstest

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"golang.org/x/net/dns/dnsmessage"
)

// Server is a DNS server listening on a local UDP and TCP port.
type Server struct {
	conn net.PacketConn
	ln   net.Listener
	wg   sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]bool

	// Name -> answers. We respond the same regardless of the query class.
	answers map[string][]dnsmessage.Resource

	// Name -> response code, for the names that fail.
	rcodes map[string]dnsmessage.RCode

	// Names we never reply to.
	drop map[string]bool
}

var (
	fieldsRE = regexp.MustCompile(`\s+`)
	quotedRE = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
)

// NewServer parses the zones and starts serving them on a random UDP port
// on localhost. Close must be called to stop it.
func NewServer(zones string) (*Server, error) {
	s := &Server{
		answers: map[string][]dnsmessage.Resource{},
		rcodes:  map[string]dnsmessage.RCode{},
		drop:    map[string]bool{},
		conns:   map[net.Conn]bool{},
	}
	if err := s.loadZones(zones); err != nil {
		return nil, err
	}

	var err error
	s.conn, s.ln, err = listen()
	if err != nil {
		return nil, err
	}
	log.Debugf("dnstest: listening on %v", s.conn.LocalAddr())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.serve()
	}()
	go func() {
		defer s.wg.Done()
		s.serveTCP()
	}()

	return s, nil
}

// listen on a random localhost port that is free for both UDP and TCP.
func listen() (net.PacketConn, net.Listener, error) {
	for i := 0; i < 10; i++ {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			return nil, nil, err
		}
		ln, err := net.Listen("tcp", conn.LocalAddr().String())
		if err == nil {
			return conn, ln, nil
		}
		conn.Close()
	}
	return nil, nil, errors.New("no port free for both udp and tcp")
}

// Addr returns the address the server is listening on, in host:port form.
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// Close the server, and wait for it to stop.
func (s *Server) Close() error {
	err := s.conn.Close()
	if lerr := s.ln.Close(); err == nil {
		err = lerr
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Infof("dnstest: error reading from udp: %v", err)
			continue
		}

		rbuf := s.respond(addr, buf[:n], true)
		if rbuf == nil {
			continue
		}

		_, err = s.conn.WriteTo(rbuf, addr)
		if err != nil {
			log.Infof("dnstest: %v  error writing: %v", addr, err)
		}
	}
}

func (s *Server) serveTCP() {
	for {
		conn, err := s.ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Infof("dnstest: error accepting tcp: %v", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// serveConn handles the queries of a TCP connection, each one prefixed by
// its length as a 2-byte integer, until the client closes it.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr()
	for {
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		var l [2]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return
		}
		buf := make([]byte, binary.BigEndian.Uint16(l[:]))
		if _, err := io.ReadFull(conn, buf); err != nil {
			log.Infof("dnstest: %v  error reading from tcp: %v", addr, err)
			return
		}

		rbuf := s.respond(addr, buf, false)
		if rbuf == nil {
			return
		}

		out := binary.BigEndian.AppendUint16(nil, uint16(len(rbuf)))
		if _, err := conn.Write(append(out, rbuf...)); err != nil {
			log.Infof("dnstest: %v  error writing: %v", addr, err)
			return
		}
	}
}

// respond to the query in buf, returning the packed reply, or nil if there
// is nothing to send back. UDP replies are truncated to the size the client
// can take.
func (s *Server) respond(addr net.Addr, buf []byte, udp bool) []byte {
	msg := &dnsmessage.Message{}
	err := msg.Unpack(buf)
	if err != nil {
		log.Infof("dnstest: %v error unpacking message: %v", addr, err)
		return nil
	}

	if lq := len(msg.Questions); lq != 1 {
		log.Infof("dnstest: %v/%-5d  dropping packet with %d questions",
			addr, msg.ID, lq)
		return nil
	}
	q := msg.Questions[0]
	log.Debugf("dnstest: %v/%-5d   Q: %s %s %s",
		addr, msg.ID, q.Name, q.Type, q.Class)

	reply := s.handle(msg)
	if reply == nil {
		log.Debugf("dnstest: -> (dropped)")
		return nil
	}

	rbuf, err := reply.Pack()
	if err != nil {
		log.Errorf("dnstest: error packing reply: %v", err)
		return nil
	}

	if limit := udpSize(msg); udp && len(rbuf) > limit {
		log.Debugf("dnstest: -> truncated (%d > %d bytes)", len(rbuf), limit)
		reply.Header.Truncated = true
		reply.Answers = nil
		rbuf, err = reply.Pack()
		if err != nil {
			log.Errorf("dnstest: error packing reply: %v", err)
			return nil
		}
	}
	return rbuf
}

// udpSize returns the largest UDP reply the client accepts: 512 bytes,
// unless the query has an EDNS0 OPT record with a bigger payload size.
func udpSize(msg *dnsmessage.Message) int {
	for _, r := range msg.Additionals {
		if r.Header.Type == dnsmessage.TypeOPT && int(r.Header.Class) > 512 {
			return int(r.Header.Class)
		}
	}
	return 512
}

func (s *Server) handle(msg *dnsmessage.Message) *dnsmessage.Message {
	reply := &dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:       msg.ID,
			Response: true,
			RCode:    dnsmessage.RCodeSuccess,

			// We're authoritative for the zones we're serving.
			// We should either set this, or RecursionAvailable, otherwise
			// some client libraries will complain.
			Authoritative: true,
		},
		Questions: msg.Questions,
	}

	q := msg.Questions[0]
	name := strings.ToLower(q.Name.String())

	if s.drop[name] {
		return nil
	}
	if rcode, ok := s.rcodes[name]; ok {
		log.Debugf("dnstest: -> %v", rcode)
		reply.Header.RCode = rcode
		return reply
	}

	answers, ok := s.answers[name]
	if !ok {
		log.Debugf("dnstest: -> NXDOMAIN")
		reply.Header.RCode = dnsmessage.RCodeNameError
		return reply
	}
	for _, ans := range answers {
		if q.Type == ans.Header.Type {
			log.Debugf("dnstest: -> %s %v", q.Type, ans.Body)
			ans.Header.Name = q.Name
			reply.Answers = append(reply.Answers, ans)
		}
	}
	return reply
}

func (s *Server) loadZones(zones string) error {
	scanner := bufio.NewScanner(strings.NewReader(zones))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}

		vs := fieldsRE.Split(line, 3)
		if len(vs) < 2 {
			return fmt.Errorf("line %d: invalid format", lineno)
		}
		name, t, value := strings.ToLower(vs[0]), vs[1], ""
		if len(vs) == 3 {
			value = vs[2]
		}
		if !strings.HasSuffix(name, ".") {
			name += "."
		}

		var body dnsmessage.ResourceBody
		var qType dnsmessage.Type
		switch strings.ToLower(t) {
		case "servfail":
			s.rcodes[name] = dnsmessage.RCodeServerFailure
			continue
		case "refused":
			s.rcodes[name] = dnsmessage.RCodeRefused
			continue
		case "drop":
			s.drop[name] = true
			continue
		case "a":
			qType = dnsmessage.TypeA
			ip := net.ParseIP(value).To4()
			if ip == nil {
				return fmt.Errorf("line %d: invalid IP %q", lineno, value)
			}
			a := &dnsmessage.AResource{}
			copy(a.A[:], ip[:4])
			body = a
		case "txt":
			qType = dnsmessage.TypeTXT
			chunks, err := txtChunks(value)
			if err != nil {
				return fmt.Errorf("line %d: %v", lineno, err)
			}
			body = &dnsmessage.TXTResource{TXT: chunks}
		default:
			return fmt.Errorf("line %d: unknown type %q", lineno, t)
		}

		nm, err := dnsmessage.NewName(name)
		if err != nil {
			return fmt.Errorf("line %d: invalid name %q: %v", lineno, name, err)
		}
		answer := dnsmessage.Resource{
			Header: dnsmessage.ResourceHeader{
				Name:  nm,
				Type:  qType,
				Class: dnsmessage.ClassINET,
			},
			Body: body,
		}
		s.answers[name] = append(s.answers[name], answer)
	}

	return scanner.Err()
}

func txtChunks(value string) ([]string, error) {
	if !strings.HasPrefix(value, `"`) {
		// Cut value in chunks of 254 bytes.
		chunks := []string{}
		v := value
		for len(v) > 254 {
			chunks = append(chunks, v[:254])
			v = v[254:]
		}
		return append(chunks, v), nil
	}

	chunks := []string{}
	for _, q := range quotedRE.FindAllString(value, -1) {
		c, err := strconv.Unquote(q)
		if err != nil {
			return nil, fmt.Errorf("invalid TXT string %s: %v", q, err)
		}
		if len(c) > 255 {
			return nil, fmt.Errorf("TXT string too long (%d bytes)", len(c))
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}
