package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport is shared by the prefetch factory, the CDN probe
// client, and the status proxy. They all talk to a small set of hosts
// (the CDN edge, stevedore) at high request rates, so connection reuse
// matters more than pool breadth, and a dead edge must not accumulate
// unbounded dials.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		// Preload bursts fan out to the same CDN host; cap the dials so
		// an unresponsive edge queues requests instead of spawning them.
		MaxConnsPerHost: 64,

		// Keep warm connections for the probe/poll steady state.
		MaxIdleConnsPerHost: 16,
		MaxIdleConns:        64,
		IdleConnTimeout:     60 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
