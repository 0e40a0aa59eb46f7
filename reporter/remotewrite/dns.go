package remotewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// minResolveGap throttles unforced lookups.
const minResolveGap = time.Minute

// dnsRefresher tracks the addresses behind the remote-write host so that a
// changed address set can force the client onto new connections.
type dnsRefresher struct {
	host    string
	literal bool
	logger  *zap.Logger

	enabled         bool
	cacheTTL        time.Duration
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
	httpClient      *http.Client

	mutex       sync.Mutex
	resolved    []string
	lastResolve time.Time
	cacheUntil  time.Time
}

func newDNSRefresher(host string, config Config, logger *zap.Logger) *dnsRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dnsRefresher{
		host:            host,
		literal:         net.ParseIP(host) != nil,
		logger:          logger,
		enabled:         config.DNSEnable,
		cacheTTL:        pickDuration(config.DNSCacheTTL, 10*time.Minute),
		refreshInterval: pickDuration(config.DNSRefreshInterval, 5*time.Minute),
		timeout:         pickDuration(config.DNSTimeout, 800*time.Millisecond),
		udpServers:      slices.Clone(config.DNSUDPServers),
		tlsServers:      slices.Clone(config.DNSTLSServers),
		dohEndpoints:    slices.Clone(config.DNSDoHEndpoints),
		httpClient:      http.DefaultClient,
	}
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (d *dnsRefresher) resolvable() bool {
	return d.host != "" && !d.literal
}

// due reports whether the periodic refresh interval has elapsed.
func (d *dnsRefresher) due() bool {
	if !d.enabled || !d.resolvable() {
		return false
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return time.Since(d.lastResolve) >= d.refreshInterval
}

func (d *dnsRefresher) addresses() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return slices.Clone(d.resolved)
}

// refresh resolves the host and reports whether the client should be
// recreated: the address set changed, or the refresh was forced.
func (d *dnsRefresher) refresh(ctx context.Context, force bool) bool {
	if !d.resolvable() {
		return false
	}

	d.mutex.Lock()
	now := time.Now()
	if !force && (now.Sub(d.lastResolve) < minResolveGap || now.Before(d.cacheUntil)) {
		d.mutex.Unlock()
		return false
	}
	d.lastResolve = now
	d.mutex.Unlock()

	var (
		ips []string
		err error
	)
	if d.enabled {
		ips, err = d.resolveFastest(ctx)
	} else {
		ips, err = lookupSystem(ctx, d.host)
	}
	if err != nil || len(ips) == 0 {
		d.logger.Warn("DNS lookup failed", zap.String("host", d.host), zap.Error(err))
		return false
	}
	slices.Sort(ips)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	changed := !slices.Equal(ips, d.resolved)
	d.resolved = ips
	if d.enabled {
		d.cacheUntil = time.Now().Add(d.cacheTTL)
	}
	return changed || force
}

// resolveFastest queries all configured resolvers concurrently and returns the
// first successful answer. The system resolver always takes part.
func (d *dnsRefresher) resolveFastest(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}

	lookups := make([]func(context.Context) ([]string, error), 0,
		1+len(d.udpServers)+len(d.tlsServers)+len(d.dohEndpoints))
	lookups = append(lookups, func(ctx context.Context) ([]string, error) {
		return lookupSystem(ctx, d.host)
	})
	for _, srv := range d.udpServers {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "udp", d.host, srv, d.timeout)
		})
	}
	for _, srv := range d.tlsServers {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "tcp-tls", d.host, srv, d.timeout)
		})
	}
	for _, ep := range d.dohEndpoints {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return d.exchangeDoH(ctx, ep)
		})
	}

	ch := make(chan result, len(lookups))
	for _, lookup := range lookups {
		go func() {
			ips, err := lookup(ctx)
			ch <- result{ips, err}
		}()
	}

	var errs []error
	for range lookups {
		select {
		case r := <-ch:
			if r.err == nil && len(r.ips) > 0 {
				return r.ips, nil
			}
			if r.err != nil {
				errs = append(errs, r.err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no dns result for %s", d.host)
	}
	return nil, errors.Join(errs...)
}

func lookupSystem(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	return ips, nil
}

func questionA(host string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	return m
}

// exchange sends an A query over "udp" or "tcp-tls".
func exchange(ctx context.Context, network, host, server string, timeout time.Duration) ([]string, error) {
	c := &dns.Client{Net: network, Timeout: timeout}
	r, _, err := c.ExchangeContext(ctx, questionA(host), server)
	if err != nil {
		return nil, fmt.Errorf("%s dns %s: %w", network, server, err)
	}
	return answerA(r)
}

func (d *dnsRefresher) exchangeDoH(ctx context.Context, endpoint string) ([]string, error) {
	payload, err := questionA(d.host).Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh %s: status %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var r dns.Msg
	if err := r.Unpack(body); err != nil {
		return nil, fmt.Errorf("doh %s: %w", endpoint, err)
	}
	return answerA(&r)
}

func answerA(r *dns.Msg) ([]string, error) {
	if r == nil {
		return nil, errors.New("empty dns response")
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns rcode %s", dns.RcodeToString[r.Rcode])
	}
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
