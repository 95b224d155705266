package registry

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds each metadata HTTP call unless the build overrides
// it. Blob streaming calls are bounded by the build context instead.
const DefaultTimeout = 20 * time.Second

// newBaseTransport returns the transport all registry traffic goes
// through. With allowInsecure, certificate validation failures are
// tolerated and, should the TLS handshake itself fail, the host is retried
// over plaintext HTTP.
func newBaseTransport(allowInsecure bool) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if !allowInsecure {
		return base
	}
	base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &insecureFallbackTransport{base: base, plaintext: map[string]bool{}}
}

// insecureFallbackTransport downgrades a host to plaintext HTTP after its
// TLS handshake fails. Only constructed when the build explicitly allows
// insecure registries.
type insecureFallbackTransport struct {
	base http.RoundTripper

	mu        sync.Mutex
	plaintext map[string]bool
}

func (t *insecureFallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	downgraded := t.plaintext[req.URL.Host]
	t.mu.Unlock()

	if downgraded && req.URL.Scheme == "https" {
		req.URL.Scheme = "http"
	}

	resp, err := t.base.RoundTrip(req)
	if err == nil || req.URL.Scheme != "https" || !isTLSFailure(err) {
		return resp, err
	}

	t.mu.Lock()
	t.plaintext[req.URL.Host] = true
	t.mu.Unlock()
	logrus.WithField("host", req.URL.Host).Warn("TLS handshake failed, falling back to plaintext HTTP")

	retry := req.Clone(req.Context())
	retry.URL.Scheme = "http"
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, berr
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}

func isTLSFailure(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Op == "remote error"
}

// newRetryingTransport wraps base with the transient-failure retry policy:
// connection resets and 5xx retry with exponential backoff, 429 defers by
// Retry-After. 4xx statuses are returned to the caller untouched.
func newRetryingTransport(base http.RoundTripper, logger *logrus.Entry) http.RoundTripper {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: base}
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 15 * time.Second
	rc.Logger = logger
	return &retryablehttp.RoundTripper{Client: rc}
}
