package dnssd

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// unicastClient resolves names outside the link-local namespace through
// conventional DNS servers. Answers are fed back to the event pass as
// packets, so they go through the cache like multicast answers.
type unicastClient struct {
	s       *Session
	servers []string
	client  *dns.Client
}

func newUnicastClient(s *Session, servers []string, timeout time.Duration) *unicastClient {
	return &unicastClient{
		s:       s,
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// exchange asks every question in the background, one goroutine per
// question.
func (u *unicastClient) exchange(op *operation, qs []dns.Question) {
	log := op.log
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-u.s.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		var g errgroup.Group
		for _, q := range qs {
			q := q
			g.Go(func() error {
				resp, from, err := u.ask(ctx, q)
				if err != nil {
					return err
				}
				u.s.post(ctx, Packet{msg: resp, From: from})
				return nil
			})
		}
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			log.WithError(err).Debug("unicast query failed")
		}
	}()
}

// ask tries the servers in order and returns the first answer. Truncated
// UDP answers are retried over TCP.
func (u *unicastClient) ask(ctx context.Context, q dns.Question) (*dns.Msg, net.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn(q.Name), q.Qtype)
	m.Question[0].Qclass = q.Qclass &^ qClassCacheFlush
	m.RecursionDesired = true

	lastErr := errors.New("no servers configured")
	for _, server := range u.servers {
		resp, _, err := u.client.ExchangeContext(ctx, m, server)
		if err == nil && resp.Truncated {
			tcp := *u.client
			tcp.Net = "tcp"
			resp, _, err = tcp.ExchangeContext(ctx, m, server)
		}
		if err != nil {
			lastErr = err
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			return resp, nil, nil
		}
		return resp, addr, nil
	}
	return nil, nil, errors.Wrapf(lastErr, "query %s %s", q.Name, dns.Type(q.Qtype))
}
