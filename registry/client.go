// Package registry implements the client side of the Docker Registry v2 /
// OCI Distribution protocol: manifest pull and push, blob existence
// probes, pulls, uploads (monolithic and chunked with resume),
// cross-repository mounts, and the bearer/basic authentication dance.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/caravel-build/caravel/blob"
	"github.com/caravel-build/caravel/manifest"
	"github.com/caravel-build/caravel/manifest/manifestlist"
	"github.com/caravel-build/caravel/manifest/schema1"
	"github.com/caravel-build/caravel/manifest/schema2"
)

// manifestAccepts advertises every manifest media type the client can
// decode, most specific first.
var manifestAccepts = []string{
	schema2.MediaTypeManifest,
	v1.MediaTypeImageManifest,
	manifestlist.MediaTypeManifestList,
	v1.MediaTypeImageIndex,
	schema1.MediaTypeSignedManifest,
	schema1.MediaTypeManifest,
}

// Options configures a Client for one repository on one registry.
type Options struct {
	// Host is the registry host, optionally with a port.
	Host string

	// Repository is the repository path within the registry.
	Repository string

	// Credential authenticates requests. The zero value means anonymous.
	Credential Credential

	// AllowInsecure permits falling back to plaintext HTTP and ignoring
	// certificate validation errors. Never enabled by default.
	AllowInsecure bool

	// Timeout bounds each metadata HTTP call. Defaults to
	// DefaultTimeout. Blob streams are bounded by ctx only.
	Timeout time.Duration

	// ChunkSize switches blob uploads to the chunked protocol when
	// positive, with the given chunk length in bytes. Zero uploads
	// monolithically.
	ChunkSize int64

	UserAgent string
	Logger    *logrus.Entry
}

// Client talks to a single repository on a single registry. Methods are
// safe for concurrent use.
type Client struct {
	host      string
	repo      string
	userAgent string
	timeout   time.Duration
	chunkSize int64
	logger    *logrus.Entry

	auth *authorizer

	// retrying carries the transient-retry policy and serves everything
	// except requests to an open upload session (data, status and
	// finalize), which go through direct; chunked uploads implement
	// their own resume.
	retrying *http.Client
	direct   *http.Client

	pingOnce sync.Once
	pingErr  error
}

// NewClient returns a client for the repository named in opts.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithFields(logrus.Fields{
		"registry":   opts.Host,
		"repository": opts.Repository,
	})

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	base := newBaseTransport(opts.AllowInsecure)
	direct := &http.Client{Transport: base}

	c := &Client{
		host:      opts.Host,
		repo:      opts.Repository,
		userAgent: opts.UserAgent,
		timeout:   timeout,
		chunkSize: opts.ChunkSize,
		logger:    logger,
		auth:      newAuthorizer(opts.Host, opts.Credential, direct, logger),
		retrying:  &http.Client{Transport: newRetryingTransport(base, logger)},
		direct:    direct,
	}
	return c
}

// Repository returns the repository path this client addresses.
func (c *Client) Repository() string { return c.repo }

func (c *Client) baseURL() string {
	return "https://" + c.host
}

func (c *Client) url(format string, args ...interface{}) string {
	return c.baseURL() + fmt.Sprintf(format, args...)
}

// Ping probes GET /v2/ once to learn the registry's authentication
// challenge. Subsequent calls return the first result.
func (c *Client) Ping(ctx context.Context) error {
	c.pingOnce.Do(func() {
		c.pingErr = c.ping(ctx)
	})
	return c.pingErr
}

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v2/"), nil)
	if err != nil {
		return err
	}
	c.setUserAgent(req)

	resp, err := c.retrying.Do(req)
	if err != nil {
		return fmt.Errorf("pinging %s: %w", c.host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.auth.handleChallenge(resp)
	case SuccessStatus(resp.StatusCode):
		// Open registry; no challenge to record.
	default:
		return &UnexpectedHTTPStatusError{Status: resp.Status}
	}
	return nil
}

func (c *Client) setUserAgent(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// do executes a request built by build, authenticating for the given
// scopes. A 401 response triggers a token refresh and an in-place retry,
// within the authorizer's refresh budget. The request is rebuilt for every
// attempt so bodies are replayed from the start.
func (c *Client) do(ctx context.Context, client *http.Client, scopes []string, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}

	for {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.setUserAgent(req)
		if err := c.auth.apply(ctx, req, scopes); err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		if err := c.auth.refresh(ctx, resp, scopes); err != nil {
			return nil, err
		}
		c.logger.Debug("refreshed bearer token after 401, retrying request")
	}
}

// ManifestGet pulls a manifest by tag or digest and verifies its digest
// against the registry-advertised and requested values.
func (c *Client) ManifestGet(ctx context.Context, ref string) (manifest.Manifest, v1.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.url("/v2/%s/manifests/%s", c.repo, ref)
	resp, err := c.do(ctx, c.retrying, []string{pullScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", strings.Join(manifestAccepts, ", "))
		return req, nil
	})
	if err != nil {
		return nil, v1.Descriptor{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, v1.Descriptor{}, &ManifestNotFoundError{Repository: c.repo, Reference: ref}
	case !SuccessStatus(resp.StatusCode):
		return nil, v1.Descriptor{}, HandleErrorResponse(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}

	computed := digest.FromBytes(payload)
	if advertised := resp.Header.Get("Docker-Content-Digest"); advertised != "" {
		advertisedDigest, err := digest.Parse(advertised)
		if err == nil && advertisedDigest != computed {
			return nil, v1.Descriptor{}, blob.DigestMismatchError{Expected: advertisedDigest, Actual: computed}
		}
	}
	if requested, err := digest.Parse(ref); err == nil && requested != computed {
		return nil, v1.Descriptor{}, blob.DigestMismatchError{Expected: requested, Actual: computed}
	}

	m, desc, err := manifest.Unmarshal(resp.Header.Get("Content-Type"), payload)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}
	return m, desc, nil
}

// ManifestPut pushes manifest bytes under the given tag or digest and
// returns the digest the registry recorded.
func (c *Client) ManifestPut(ctx context.Context, ref string, mediaType string, payload []byte) (digest.Digest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.url("/v2/%s/manifests/%s", c.repo, ref)
	resp, err := c.do(ctx, c.retrying, []string{pushScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mediaType)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !SuccessStatus(resp.StatusCode) {
		return "", HandleErrorResponse(resp)
	}

	computed := digest.FromBytes(payload)
	if advertised := resp.Header.Get("Docker-Content-Digest"); advertised != "" {
		advertisedDigest, err := digest.Parse(advertised)
		if err == nil && advertisedDigest != computed {
			return "", blob.DigestMismatchError{Expected: computed, Actual: advertisedDigest}
		}
	}
	return computed, nil
}

// BlobExists probes HEAD /v2/<repo>/blobs/<digest>. It returns the blob
// size on 200 and ok=false on 404.
func (c *Client) BlobExists(ctx context.Context, dgst digest.Digest) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.url("/v2/%s/blobs/%s", c.repo, dgst)
	resp, err := c.do(ctx, c.retrying, []string{pullScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	})
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusOK:
		length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		return length, true, nil
	case resp.StatusCode == http.StatusNotFound:
		return 0, false, nil
	default:
		return 0, false, HandleErrorResponse(resp)
	}
}

// BlobGet opens a verified stream over a blob. The returned reader yields
// DigestMismatchError in place of EOF if the content does not hash to
// dgst.
func (c *Client) BlobGet(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	u := c.url("/v2/%s/blobs/%s", c.repo, dgst)
	resp, err := c.do(ctx, c.retrying, []string{pullScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &BlobNotFoundError{Repository: c.repo, Digest: dgst}
	case !SuccessStatus(resp.StatusCode):
		defer resp.Body.Close()
		return nil, HandleErrorResponse(resp)
	}

	return &verifiedBody{
		Reader: blob.NewVerifyReader(resp.Body, dgst),
		closer: resp.Body,
	}, nil
}

type verifiedBody struct {
	io.Reader
	closer io.Closer
}

func (vb *verifiedBody) Close() error { return vb.closer.Close() }

// BlobMount attempts a cross-repository mount of dgst from fromRepo. On
// 201 the blob is mounted and no upload is needed. On 202 the registry
// declined the mount and opened a regular upload session instead; the
// session location is returned for the caller to continue with.
func (c *Client) BlobMount(ctx context.Context, dgst digest.Digest, fromRepo string) (mounted bool, location string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.url("/v2/%s/blobs/uploads/?mount=%s&from=%s", c.repo, url.QueryEscape(dgst.String()), url.QueryEscape(fromRepo))
	scopes := []string{pushScope(c.repo), pullScope(fromRepo)}
	resp, err := c.do(ctx, c.retrying, scopes, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	})
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, "", nil
	case http.StatusAccepted:
		location, err := sanitizeLocation(resp.Header.Get("Location"), u)
		if err != nil {
			return false, "", err
		}
		return false, location, nil
	default:
		return false, "", HandleErrorResponse(resp)
	}
}

// BlobUpload pushes a blob, reusing an upload session location when the
// caller has one (from a declined mount). The open callback must return a
// fresh reader over the full blob; it may be invoked multiple times when
// an interrupted chunked upload resumes.
func (c *Client) BlobUpload(ctx context.Context, dgst digest.Digest, size int64, open func() (io.ReadSeekCloser, error), location string) error {
	if location == "" {
		var err error
		location, err = c.startUpload(ctx)
		if err != nil {
			return err
		}
	}

	if c.chunkSize > 0 {
		return c.uploadChunked(ctx, dgst, size, open, location)
	}
	return c.uploadMonolithic(ctx, dgst, size, open, location)
}

// startUpload begins an upload session and returns its location.
func (c *Client) startUpload(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.url("/v2/%s/blobs/uploads/", c.repo)
	resp, err := c.do(ctx, c.retrying, []string{pushScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusAccepted {
		return "", HandleErrorResponse(resp)
	}
	return sanitizeLocation(resp.Header.Get("Location"), u)
}

func (c *Client) uploadMonolithic(ctx context.Context, dgst digest.Digest, size int64, open func() (io.ReadSeekCloser, error), location string) error {
	resp, err := c.do(ctx, c.direct, []string{pushScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		body, err := open()
		if err != nil {
			return nil, err
		}
		u, err := locationWithDigest(location, dgst)
		if err != nil {
			body.Close()
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
		if err != nil {
			body.Close()
			return nil, err
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode == http.StatusNotFound {
		return &BlobNotFoundError{Repository: c.repo, Digest: dgst}
	}
	if !SuccessStatus(resp.StatusCode) {
		return HandleErrorResponse(resp)
	}
	return nil
}

// maxUploadResumes bounds how many times a chunked upload re-synchronizes
// with the registry after an interruption.
const maxUploadResumes = 3

func (c *Client) uploadChunked(ctx context.Context, dgst digest.Digest, size int64, open func() (io.ReadSeekCloser, error), location string) error {
	body, err := open()
	if err != nil {
		return err
	}
	defer body.Close()

	var offset int64
	resumes := 0

	for offset < size {
		end := offset + c.chunkSize
		if end > size {
			end = size
		}

		nextLocation, committed, err := c.patchChunk(ctx, location, body, offset, end, size)
		switch {
		case err == nil:
			location = nextLocation
			offset = end
			continue
		case committed >= 0 && resumes < maxUploadResumes:
			// The registry told us how much it has (416 with a Range,
			// or a successful status probe after a dropped
			// connection); rewind to that point and continue.
			resumes++
			offset = committed
			if _, err := body.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			c.logger.WithField("offset", offset).Debug("resuming chunked upload")
			continue
		default:
			return err
		}
	}

	return c.finalizeUpload(ctx, location, dgst)
}

// patchChunk uploads bytes [offset, end) of the blob. On failure it
// attempts to learn the registry's committed offset: a non-negative
// committed return means the caller may resume from there.
func (c *Client) patchChunk(ctx context.Context, location string, body io.ReadSeeker, offset, end, size int64) (nextLocation string, committed int64, err error) {
	if _, err := body.Seek(offset, io.SeekStart); err != nil {
		return "", -1, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, io.LimitReader(body, end-offset))
	if err != nil {
		return "", -1, err
	}
	c.setUserAgent(req)
	req.ContentLength = end - offset
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, end-1))
	if err := c.auth.apply(ctx, req, []string{pushScope(c.repo)}); err != nil {
		return "", -1, err
	}

	resp, err := c.direct.Do(req)
	if err != nil {
		// Connection loss mid-chunk; ask the registry where it stands.
		committed, statusErr := c.uploadStatus(ctx, location)
		if statusErr != nil {
			return "", -1, err
		}
		return "", committed, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		next, lerr := sanitizeLocation(resp.Header.Get("Location"), location)
		if lerr != nil || next == "" {
			next = location
		}
		return next, -1, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		committed, rerr := parseRangeEnd(resp.Header.Get("Range"))
		if rerr != nil {
			return "", -1, fmt.Errorf("chunk rejected and Range header unusable: %w", rerr)
		}
		return "", committed, fmt.Errorf("registry rejected chunk at offset %d", offset)
	default:
		return "", -1, HandleErrorResponse(resp)
	}
}

// uploadStatus asks an upload session how many bytes it has committed.
func (c *Client) uploadStatus(ctx context.Context, location string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, c.direct, []string{pushScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	})
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return -1, HandleErrorResponse(resp)
	}
	return parseRangeEnd(resp.Header.Get("Range"))
}

func (c *Client) finalizeUpload(ctx context.Context, location string, dgst digest.Digest) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, c.direct, []string{pushScope(c.repo)}, func(ctx context.Context) (*http.Request, error) {
		u, err := locationWithDigest(location, dgst)
		if err != nil {
			return nil, err
		}
		return http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if !SuccessStatus(resp.StatusCode) {
		return HandleErrorResponse(resp)
	}
	return nil
}

// parseRangeEnd extracts the next free offset from an upload Range header
// of the form "0-<last committed byte>".
func parseRangeEnd(rangeHeader string) (int64, error) {
	if rangeHeader == "" {
		return -1, fmt.Errorf("missing Range header")
	}
	parts := strings.SplitN(rangeHeader, "-", 2)
	if len(parts) != 2 {
		return -1, fmt.Errorf("malformed Range header %q", rangeHeader)
	}
	last, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return -1, fmt.Errorf("malformed Range header %q", rangeHeader)
	}
	return last + 1, nil
}

// locationWithDigest appends the digest parameter to an upload location,
// which may already carry query parameters.
func locationWithDigest(location string, dgst digest.Digest) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sanitizeLocation resolves a possibly relative Location header against
// the URL that produced it.
func sanitizeLocation(location, source string) (string, error) {
	if location == "" {
		return "", nil
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	sourceURL, err := url.Parse(source)
	if err != nil {
		return "", err
	}
	return sourceURL.ResolveReference(locationURL).String(), nil
}
