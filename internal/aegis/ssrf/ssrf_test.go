package ssrf

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	addrs map[string][]net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func TestValidateURLRejectsNonHTTPScheme(t *testing.T) {
	g := New(&fakeResolver{})
	res := g.ValidateURL(context.Background(), "ftp://example.com/file")
	if res.Safe {
		t.Fatal("expected ftp scheme to be rejected")
	}
}

func TestValidateURLRejectsBlocklistedHostname(t *testing.T) {
	g := New(&fakeResolver{})
	res := g.ValidateURL(context.Background(), "http://metadata.google.internal/computeMetadata/v1/")
	if res.Safe {
		t.Fatal("expected cloud metadata hostname to be rejected")
	}
}

func TestValidateURLRejectsLiteralPrivateIP(t *testing.T) {
	g := New(&fakeResolver{})
	res := g.ValidateURL(context.Background(), "http://10.0.0.5:8080/")
	if res.Safe {
		t.Fatal("expected RFC1918 literal IP to be rejected")
	}
}

func TestValidateURLRejectsLoopbackLiteralIP(t *testing.T) {
	g := New(&fakeResolver{})
	res := g.ValidateURL(context.Background(), "http://127.0.0.1/admin")
	if res.Safe {
		t.Fatal("expected loopback literal IP to be rejected")
	}
}

func TestValidateURLAllowsPublicLiteralIP(t *testing.T) {
	g := New(&fakeResolver{})
	res := g.ValidateURL(context.Background(), "https://93.184.216.34/")
	if !res.Safe {
		t.Fatalf("expected public literal IP to be allowed, got reason %q", res.Reason)
	}
}

func TestValidateURLRejectsHostnameResolvingToBlockedAddress(t *testing.T) {
	g := New(&fakeResolver{addrs: map[string][]net.IPAddr{
		"evil.example.com": {{IP: net.ParseIP("169.254.169.254")}},
	}})
	res := g.ValidateURL(context.Background(), "http://evil.example.com/")
	if res.Safe {
		t.Fatal("expected hostname resolving to link-local metadata address to be rejected")
	}
}

func TestValidateURLAllowsHostnameResolvingToPublicAddress(t *testing.T) {
	g := New(&fakeResolver{addrs: map[string][]net.IPAddr{
		"api.example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}})
	res := g.ValidateURL(context.Background(), "https://api.example.com/v1/chat")
	if !res.Safe {
		t.Fatalf("expected public hostname to be allowed, got reason %q", res.Reason)
	}
	if len(res.ResolvedIPs) != 1 {
		t.Fatalf("expected resolved IPs to be returned for dial pinning, got %d", len(res.ResolvedIPs))
	}
}

func TestValidateURLRejectsIfAnyResolvedAddressIsBlocked(t *testing.T) {
	g := New(&fakeResolver{addrs: map[string][]net.IPAddr{
		"mixed.example.com": {
			{IP: net.ParseIP("93.184.216.34")},
			{IP: net.ParseIP("127.0.0.1")},
		},
	}})
	res := g.ValidateURL(context.Background(), "http://mixed.example.com/")
	if res.Safe {
		t.Fatal("expected rejection when any resolved address is blocked, not just the first")
	}
}
