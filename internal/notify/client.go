package notify

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe client for webhook delivery. Redirects
// are not followed.
func BuildSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(noRedirect).
		Build()
	return safeurl.Client(cfg).Client
}

// BuildPlainClient returns a client without address filtering, for local
// setups whose receivers live on private networks.
func BuildPlainClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: noRedirect,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}
