package netmon

import (
	"context"
	"io"
	"net"
	"net/http"
)

// HTTPProber issues a GET against URL. Any response below 500 counts as
// reachable, including redirects and auth challenges: the server answered.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe reports reachability. Timeouts, cancellations, transport errors and
// 5xx responses all report unreachable.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}

	req.Header.Set("Cache-Control", "no-cache")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode < http.StatusInternalServerError
}

// InterfaceLinks reads link state from the host's network interfaces.
type InterfaceLinks struct{}

// LinkUp reports whether any non-loopback interface is up and has an
// address.
func (InterfaceLinks) LinkUp() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}

	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := ifc.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}

		return true, nil
	}

	return false, nil
}

// StaticLinks always reports the given link state. Used when link
// detection is disabled and the probe alone decides.
type StaticLinks bool

// LinkUp returns the fixed state.
func (s StaticLinks) LinkUp() (bool, error) {
	return bool(s), nil
}
