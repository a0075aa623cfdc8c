package dns

import (
	"net"

	"github.com/miekg/dns"
)

// EDNS0 buffer limits advertised in locally built replies.
const (
	maxEDNSBufferSize = 4096
	minEDNSBufferSize = 512
)

// newReply builds an empty reply to r, echoing EDNS0 when r carried it.
func newReply(r *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true
	msg.RecursionAvailable = true
	setEDNS0(r, msg)
	return msg
}

// setEDNS0 adds an OPT record to resp when req had one. The buffer size is
// the requested one clamped to [minEDNSBufferSize, maxEDNSBufferSize], and the
// DNSSEC OK bit is preserved.
func setEDNS0(req, resp *dns.Msg) {
	opt := req.IsEdns0()
	if opt == nil || resp.IsEdns0() != nil {
		return
	}

	size := opt.UDPSize()
	switch {
	case size == 0 || size > maxEDNSBufferSize:
		size = maxEDNSBufferSize
	case size < minEDNSBufferSize:
		size = minEDNSBufferSize
	}

	respOpt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	respOpt.SetUDPSize(size)
	if opt.Do() {
		respOpt.SetDo()
	}
	resp.Extra = append(resp.Extra, respOpt)
}

// aReply answers r with a single A record for the question name.
func aReply(r *dns.Msg, ip net.IP, ttl uint32) *dns.Msg {
	msg := newReply(r)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   r.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.To4(),
	})
	return msg
}
