package mta

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
)

// MXRecord is one mail exchanger of a domain.
type MXRecord struct {
	Host     string
	Priority uint16
}

// Resolver looks up MX records.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]MXRecord, error)
}

// DNSResolver resolves through the system resolver.
type DNSResolver struct {
	resolver *net.Resolver
}

func NewDNSResolver() *DNSResolver {
	return &DNSResolver{resolver: net.DefaultResolver}
}

// LookupMX returns MX records sorted by priority. A domain without MX
// records is its own exchanger.
func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	domain = strings.ToLower(domain)

	mxs, err := r.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return []MXRecord{{Host: domain}}, nil
		}
		return nil, err
	}

	records := make([]MXRecord, len(mxs))
	for i, mx := range mxs {
		records[i] = MXRecord{
			Host:     strings.ToLower(strings.TrimSuffix(mx.Host, ".")),
			Priority: mx.Pref,
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})
	return records, nil
}
