package pocketfence

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/yl2chen/cidranger"
)

// ClientACL restricts the proxy to clients from the given networks.
type ClientACL struct {
	ranger cidranger.Ranger
	count  int
}

// NewClientACL parses CIDRs (or bare IPs) into an ACL.
func NewClientACL(networks []string) (*ClientACL, error) {
	acl := &ClientACL{ranger: cidranger.NewPCTrieRanger()}
	for _, n := range networks {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !strings.Contains(n, "/") {
			ip := net.ParseIP(n)
			if ip == nil {
				return nil, fmt.Errorf("invalid client address %q", n)
			}
			if ip.To4() != nil {
				n += "/32"
			} else {
				n += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(n)
		if err != nil {
			return nil, fmt.Errorf("invalid client network %q: %w", n, err)
		}
		if err := acl.ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("add client network %q: %w", n, err)
		}
		acl.count++
	}
	return acl, nil
}

// Len returns the number of networks.
func (a *ClientACL) Len() int {
	return a.count
}

// Allowed reports whether addr (host or host:port) is inside a network.
// An empty ACL allows everything.
func (a *ClientACL) Allowed(addr string) bool {
	if a == nil || a.count == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	ok, err := a.ranger.Contains(ip)
	return err == nil && ok
}

// AllowHTTP writes a 403 response and returns false for clients outside
// the ACL.
func (a *ClientACL) AllowHTTP(w http.ResponseWriter, r *http.Request) bool {
	if a.Allowed(r.RemoteAddr) {
		return true
	}
	http.Error(w, "client not allowed", http.StatusForbidden)
	return false
}
