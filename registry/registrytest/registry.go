// Package registrytest provides an in-memory Docker Registry v2 fake for
// exercising the client and the build engine against realistic wire
// behavior: bearer-token auth, blob uploads (monolithic and chunked),
// cross-repository mounts, and manifest storage.
package registrytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// Registry is an httptest-backed registry fake. Its exported knobs are
// safe to adjust before serving traffic; the request log may be inspected
// at any time.
type Registry struct {
	Server *httptest.Server

	// RequireToken enables the bearer-token flow: unauthenticated
	// requests get a 401 challenge pointing at this registry's /token
	// endpoint.
	RequireToken bool

	// Username and Secret are checked on token requests when
	// RequireToken is set and either is non-empty.
	Username string
	Secret   string

	// rejectLeft, set by RejectNextAuthed, counts the authenticated API
	// requests still to be answered 401 even with a valid token, forcing
	// client-side refreshes.
	mu           sync.Mutex
	rejectLeft   int
	tokenCounter int
	requests     []string

	blobs     map[string]map[digest.Digest][]byte // repo -> digest -> bytes
	manifests map[string]map[string]storedManifest
	uploads   map[string]*upload
	uploadSeq int
}

type storedManifest struct {
	mediaType string
	payload   []byte
}

type upload struct {
	repo string
	data []byte
}

// New starts a fake registry. Callers own shutdown via Close.
func New() *Registry {
	r := &Registry{
		blobs:     map[string]map[digest.Digest][]byte{},
		manifests: map[string]map[string]storedManifest{},
		uploads:   map[string]*upload{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/token", r.handleToken)
	router.HandleFunc("/v2/", r.handleBase)
	router.HandleFunc("/v2/{repo:.+}/manifests/{ref}", r.handleManifest)
	router.HandleFunc("/v2/{repo:.+}/blobs/uploads/", r.handleStartUpload)
	router.HandleFunc("/v2/{repo:.+}/blobs/uploads/{id}", r.handleUpload)
	router.HandleFunc("/v2/{repo:.+}/blobs/{digest}", r.handleBlob)

	r.Server = httptest.NewServer(router)
	return r
}

// Close shuts the fake down.
func (r *Registry) Close() { r.Server.Close() }

// Host returns the host:port of the fake.
func (r *Registry) Host() string {
	return strings.TrimPrefix(r.Server.URL, "http://")
}

// RejectNextAuthed configures the fake to 401 the next n authenticated
// requests despite valid tokens.
func (r *Registry) RejectNextAuthed(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectLeft = n
}

// Requests returns the method+path log of every API request seen.
func (r *Registry) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.requests))
	copy(out, r.requests)
	return out
}

// TokenRequests returns how many token-endpoint requests were served.
func (r *Registry) TokenRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokenCounter
}

// SeedBlob stores a blob in a repository and returns its digest.
func (r *Registry) SeedBlob(repo string, content []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	dgst := digest.FromBytes(content)
	if r.blobs[repo] == nil {
		r.blobs[repo] = map[digest.Digest][]byte{}
	}
	r.blobs[repo][dgst] = content
	return dgst
}

// PutBlob stores content under an arbitrary digest, letting tests stage
// corrupted entries.
func (r *Registry) PutBlob(repo string, dgst digest.Digest, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blobs[repo] == nil {
		r.blobs[repo] = map[digest.Digest][]byte{}
	}
	r.blobs[repo][dgst] = content
}

// SeedManifest stores manifest bytes under a tag or digest reference.
func (r *Registry) SeedManifest(repo, ref, mediaType string, payload []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifests[repo] == nil {
		r.manifests[repo] = map[string]storedManifest{}
	}
	dgst := digest.FromBytes(payload)
	r.manifests[repo][ref] = storedManifest{mediaType: mediaType, payload: payload}
	r.manifests[repo][dgst.String()] = storedManifest{mediaType: mediaType, payload: payload}
	return dgst
}

// Manifest returns the stored manifest for a reference, if any.
func (r *Registry) Manifest(repo, ref string) ([]byte, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[repo][ref]
	return m.payload, m.mediaType, ok
}

// HasBlob reports whether a repository holds a blob.
func (r *Registry) HasBlob(repo string, dgst digest.Digest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[repo][dgst]
	return ok
}

func (r *Registry) log(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := req.Method + " " + req.URL.Path
	if req.URL.RawQuery != "" {
		entry += "?" + req.URL.RawQuery
	}
	r.requests = append(r.requests, entry)
}

// authorize enforces the token flow. It returns false after writing the
// error response.
func (r *Registry) authorize(w http.ResponseWriter, req *http.Request) bool {
	if !r.RequireToken {
		return true
	}

	header := req.Header.Get("Authorization")
	authed := strings.HasPrefix(header, "Bearer valid-token-")

	r.mu.Lock()
	reject := false
	if authed && r.rejectLeft > 0 {
		r.rejectLeft--
		reject = true
	}
	r.mu.Unlock()

	if authed && !reject {
		return true
	}

	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="%s/token",service="fake-registry"`, r.Server.URL))
	w.WriteHeader(http.StatusUnauthorized)
	io.WriteString(w, `{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`)
	return false
}

func (r *Registry) handleToken(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.tokenCounter++
	n := r.tokenCounter
	r.mu.Unlock()

	if r.Username != "" || r.Secret != "" {
		user, pass, ok := req.BasicAuth()
		if req.Method == http.MethodPost {
			req.ParseForm()
			if req.PostForm.Get("grant_type") == "refresh_token" {
				ok = req.PostForm.Get("refresh_token") == r.Secret
				user, pass = r.Username, r.Secret
			}
		}
		if !ok || user != r.Username || pass != r.Secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      fmt.Sprintf("valid-token-%d", n),
		"expires_in": 300,
	})
}

func (r *Registry) handleBase(w http.ResponseWriter, req *http.Request) {
	r.log(req)
	if !r.authorize(w, req) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Registry) handleManifest(w http.ResponseWriter, req *http.Request) {
	r.log(req)
	if !r.authorize(w, req) {
		return
	}
	vars := mux.Vars(req)
	repo, ref := vars["repo"], vars["ref"]

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		r.mu.Lock()
		m, ok := r.manifests[repo][ref]
		r.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"}]}`)
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.payload).String())
		if req.Method == http.MethodGet {
			w.Write(m.payload)
		}
	case http.MethodPut:
		payload, _ := io.ReadAll(req.Body)
		dgst := r.SeedManifest(repo, ref, req.Header.Get("Content-Type"), payload)
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (r *Registry) handleBlob(w http.ResponseWriter, req *http.Request) {
	r.log(req)
	if !r.authorize(w, req) {
		return
	}
	vars := mux.Vars(req)
	repo := vars["repo"]
	dgst, err := digest.Parse(vars["digest"])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	content, ok := r.blobs[repo][dgst]
	r.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"errors":[{"code":"BLOB_UNKNOWN","message":"blob unknown"}]}`)
		return
	}

	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	if req.Method == http.MethodGet {
		w.Write(content)
	}
}

func (r *Registry) handleStartUpload(w http.ResponseWriter, req *http.Request) {
	r.log(req)
	if !r.authorize(w, req) {
		return
	}
	vars := mux.Vars(req)
	repo := vars["repo"]

	if mountDigest := req.URL.Query().Get("mount"); mountDigest != "" {
		from := req.URL.Query().Get("from")
		dgst, err := digest.Parse(mountDigest)
		if err == nil {
			r.mu.Lock()
			content, ok := r.blobs[from][dgst]
			if ok {
				if r.blobs[repo] == nil {
					r.blobs[repo] = map[digest.Digest][]byte{}
				}
				r.blobs[repo][dgst] = content
			}
			r.mu.Unlock()
			if ok {
				w.Header().Set("Docker-Content-Digest", dgst.String())
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
		// Fall through to a regular upload session when the source blob
		// is unavailable.
	}

	r.mu.Lock()
	r.uploadSeq++
	id := fmt.Sprintf("upload-%d", r.uploadSeq)
	r.uploads[id] = &upload{repo: repo}
	r.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) handleUpload(w http.ResponseWriter, req *http.Request) {
	r.log(req)
	if !r.authorize(w, req) {
		return
	}
	vars := mux.Vars(req)
	id := vars["id"]

	r.mu.Lock()
	up, ok := r.uploads[id]
	r.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch req.Method {
	case http.MethodGet:
		w.Header().Set("Range", fmt.Sprintf("0-%d", len(up.data)-1))
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		up.data = append(up.data, body...)
		r.mu.Unlock()
		w.Header().Set("Location", req.URL.Path)
		w.Header().Set("Range", fmt.Sprintf("0-%d", len(up.data)-1))
		w.WriteHeader(http.StatusAccepted)
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		up.data = append(up.data, body...)
		data := up.data
		delete(r.uploads, id)
		r.mu.Unlock()

		expected, err := digest.Parse(req.URL.Query().Get("digest"))
		if err != nil || digest.FromBytes(data) != expected {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"errors":[{"code":"DIGEST_INVALID","message":"digest mismatch"}]}`)
			return
		}

		r.mu.Lock()
		if r.blobs[up.repo] == nil {
			r.blobs[up.repo] = map[digest.Digest][]byte{}
		}
		r.blobs[up.repo][expected] = data
		r.mu.Unlock()

		w.Header().Set("Docker-Content-Digest", expected.String())
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
