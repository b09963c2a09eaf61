package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

var errNoAnswer = errors.New("no nameserver answered")

// DirectResolver sends queries straight to configured recursive nameservers.
type DirectResolver struct {
	udp      *dns.Client
	tcp      *dns.Client
	servers  []string
	timeout  time.Duration
	maxChase int
	logger   *slog.Logger
}

// NewDirectResolver creates a resolver that queries cfg.Nameservers, falling
// back to the nameservers in /etc/resolv.conf.
func NewDirectResolver(cfg Config, logger *slog.Logger) (*DirectResolver, error) {
	defaults := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxChase == 0 {
		cfg.MaxChase = defaults.MaxChase
	}
	if logger == nil {
		logger = slog.Default()
	}

	servers := make([]string, 0, len(cfg.Nameservers))
	for _, s := range cfg.Nameservers {
		servers = append(servers, withDefaultPort(s, "53"))
	}
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", resolvConfPath, err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no nameservers configured")
	}

	return &DirectResolver{
		udp:      &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		tcp:      &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
		servers:  servers,
		timeout:  cfg.Timeout,
		maxChase: cfg.MaxChase,
		logger:   logger.With("component", "dns_resolver", "mode", ModeDirect),
	}, nil
}

func withDefaultPort(server, port string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), port)
}

// ResolveAddressChain implements Resolver.
func (r *DirectResolver) ResolveAddressChain(ctx context.Context, name string) []netip.Addr {
	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, rr := range r.chase(ctx, name, qtype) {
			switch rec := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rec.AAAA); ok {
					addrs = append(addrs, a)
				}
			}
		}
	}
	return addrs
}

// LookupTXT implements Resolver. The character-strings of one record are
// concatenated, as net.Resolver does.
func (r *DirectResolver) LookupTXT(ctx context.Context, fqdn string) []string {
	var records []string
	for _, rr := range r.chase(ctx, fqdn, dns.TypeTXT) {
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records
}

// chase resolves name/qtype, following CNAMEs within and across responses,
// and returns the records of qtype owned by the end of the chain.
func (r *DirectResolver) chase(ctx context.Context, name string, qtype uint16) []dns.RR {
	current := dns.Fqdn(strings.ToLower(name))
	seen := map[string]bool{}

	for hop := 0; hop <= r.maxChase; hop++ {
		if seen[current] {
			r.logger.Debug("cname loop", "name", name, "at", current)
			return nil
		}
		seen[current] = true

		msg, err := r.exchange(ctx, current, qtype)
		if err != nil {
			r.logger.Debug("query failed", "name", current, "type", dns.TypeToString[qtype], "error", err)
			return nil
		}
		if msg.Rcode != dns.RcodeSuccess {
			r.logger.Debug("negative answer", "name", current, "type", dns.TypeToString[qtype],
				"rcode", dns.RcodeToString[msg.Rcode])
			return nil
		}

		owner, ok := followCNAMEs(msg.Answer, current)
		if !ok {
			r.logger.Debug("cname loop", "name", name, "at", owner)
			return nil
		}

		var out []dns.RR
		for _, rr := range msg.Answer {
			if rr.Header().Rrtype == qtype && strings.EqualFold(rr.Header().Name, owner) {
				out = append(out, rr)
			}
		}
		if len(out) > 0 || owner == current {
			return out
		}
		current = owner
	}

	r.logger.Debug("cname chain too long", "name", name, "max", r.maxChase)
	return nil
}

// followCNAMEs walks CNAME records in answer starting at name and returns the
// last owner reached. It returns false on a loop.
func followCNAMEs(answer []dns.RR, name string) (string, bool) {
	targets := make(map[string]string)
	for _, rr := range answer {
		if c, ok := rr.(*dns.CNAME); ok {
			targets[strings.ToLower(c.Hdr.Name)] = strings.ToLower(c.Target)
		}
	}

	seen := map[string]bool{name: true}
	owner := name
	for {
		next, ok := targets[owner]
		if !ok {
			return owner, true
		}
		if seen[next] {
			return next, false
		}
		seen[next] = true
		owner = next
	}
}

// exchange asks each nameserver in turn, retrying over TCP on truncation.
func (r *DirectResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true
	m.SetEdns0(1232, false)

	lastErr := errNoAnswer
	for _, server := range r.servers {
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		resp, _, err := r.udp.ExchangeContext(qctx, m, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(qctx, m, server)
		}
		cancel()

		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
			lastErr = fmt.Errorf("%s from %s", dns.RcodeToString[resp.Rcode], server)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
