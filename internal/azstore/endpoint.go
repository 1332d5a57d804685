// Package azstore adapts the teacher's Azure Storage driver layer
// (account/key resolution, SAS signing, entity/blob/queue CRUD) into
// three optional backends for qwormhole's external collaborators: a
// fleet-shared failed-handshake ledger, a trust-snapshot sink, and a
// telemetry sink. None of it implements a net.Conn anymore — the
// transport's socket is a real TCP (or TLS) connection; only the
// storage-account plumbing survives, repointed at those collaborators.
package azstore

import (
	"net/url"
	"os"
	"strings"
	"time"
)

// Endpoint resolves an Azure Storage account/key pair from a URL or the
// environment, grounded on the teacher's endpoint.go NewEndpoint.
type Endpoint struct {
	URL     *url.URL
	Account string
	Key     string
}

// NewEndpoint parses serviceURL (e.g. "https://account.blob.core.windows.net")
// and falls back to AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_ACCOUNT_KEY when the
// URL carries no userinfo, exactly as the teacher's endpoint.go does.
func NewEndpoint(serviceURL string) (*Endpoint, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{URL: u}

	hostOnly := u.Host
	if strings.Contains(hostOnly, ":") {
		hostOnly = strings.SplitN(hostOnly, ":", 2)[0]
	}

	if u.User.Username() != "" {
		ep.Account = u.User.Username()
	} else if strings.HasSuffix(strings.ToLower(hostOnly), ".core.windows.net") {
		ep.Account = strings.SplitN(hostOnly, ".", 2)[0]
	}
	if ep.Account == "" {
		ep.Account = os.Getenv("AZURE_STORAGE_ACCOUNT")
	}
	if key, ok := u.User.Password(); ok {
		ep.Key = key
	} else {
		ep.Key = os.Getenv("AZURE_STORAGE_ACCOUNT_KEY")
	}
	return ep, nil
}

// ServiceURL returns the base URL for the Azure Storage service.
func (e *Endpoint) ServiceURL() string {
	return e.URL.Scheme + "://" + e.URL.Host
}

// SASWindow returns a signing window starting 5 minutes in the past
// (clock-skew slack, as the teacher's Config.SASTimes does) and ending
// after ttl.
func SASWindow(ttl time.Duration) (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-5 * time.Minute), now.Add(ttl)
}
