// Package attachment materializes attachment payloads from their storage
// references: inline base64 literals, local files, direct HTTP URLs, or the
// owning tenant's attachment endpoint.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relaypost/relaypost/internal/attachcache"
	"github.com/relaypost/relaypost/internal/repository"
)

// Fetch modes for attachment storage paths.
const (
	ModeBase64     = "base64"
	ModeFilesystem = "filesystem"
	ModeHTTPURL    = "http_url"
	ModeEndpoint   = "endpoint"
)

const base64Prefix = "base64:"

var (
	// ErrNoEndpoint is returned for endpoint-mode attachments of messages
	// whose tenant has no attachment URL configured.
	ErrNoEndpoint = errors.New("tenant has no attachment endpoint")

	// ErrPathEscape is returned when a relative filesystem path resolves
	// outside the configured base directory.
	ErrPathEscape = errors.New("path escapes attachment base directory")
)

// md5Marker matches the legacy cache-hash marker embedded in filenames,
// e.g. "report_{MD5:a1b2c3d4}.pdf".
var md5Marker = regexp.MustCompile(`\{MD5:([a-fA-F0-9]+)\}`)

var (
	collapseUnderscores = regexp.MustCompile(`_+`)
	underscoreBeforeDot = regexp.MustCompile(`_\.`)
)

// Resolved is one attachment ready for MIME assembly. Filename has any
// hash marker stripped and MIMEType is always populated.
type Resolved struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Resolver fetches and caches attachment payloads. Concurrency across the
// attachments of one message is bounded by a shared semaphore.
type Resolver struct {
	client  *http.Client
	cache   *attachcache.Cache
	baseDir string
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewResolver builds a resolver. baseDir roots relative filesystem paths;
// when empty, only absolute paths are accepted. maxConcurrent bounds
// in-flight fetches across all messages.
func NewResolver(cache *attachcache.Cache, baseDir string, timeout time.Duration, maxConcurrent int, logger *slog.Logger) *Resolver {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Resolver{
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		baseDir: baseDir,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		logger:  logger,
	}
}

// ParseFilename extracts the MD5 marker from a filename. It returns the
// cleaned filename and the lowercase hash, or "" when no marker is present.
func ParseFilename(filename string) (clean, hash string) {
	match := md5Marker.FindStringSubmatch(filename)
	if match == nil {
		return filename, ""
	}
	clean = md5Marker.ReplaceAllString(filename, "")
	clean = collapseUnderscores.ReplaceAllString(clean, "_")
	clean = strings.Trim(clean, "_")
	clean = underscoreBeforeDot.ReplaceAllString(clean, ".")
	return clean, strings.ToLower(match[1])
}

// InferMode returns the effective fetch mode of a descriptor. An explicit
// mode wins; otherwise the storage path's shape decides.
func InferMode(ref repository.AttachmentRef) string {
	if ref.FetchMode != "" {
		return ref.FetchMode
	}
	switch {
	case strings.HasPrefix(ref.StoragePath, base64Prefix):
		return ModeBase64
	case strings.HasPrefix(ref.StoragePath, "http://"), strings.HasPrefix(ref.StoragePath, "https://"):
		return ModeHTTPURL
	case strings.HasPrefix(ref.StoragePath, "/"):
		return ModeFilesystem
	default:
		return ModeEndpoint
	}
}

// ResolveAll materializes every attachment of a message. Any failure fails
// the whole message; the caller treats it as a transient delivery error.
func (r *Resolver) ResolveAll(ctx context.Context, refs []repository.AttachmentRef, tenant *repository.Tenant) ([]Resolved, error) {
	resolved := make([]Resolved, len(refs))
	for i, ref := range refs {
		att, err := r.Resolve(ctx, ref, tenant)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", ref.Filename, err)
		}
		resolved[i] = att
	}
	return resolved, nil
}

// Resolve materializes a single attachment, consulting the cache when the
// descriptor carries a content hash.
func (r *Resolver) Resolve(ctx context.Context, ref repository.AttachmentRef, tenant *repository.Tenant) (Resolved, error) {
	if ref.StoragePath == "" {
		return Resolved{}, errors.New("empty storage_path")
	}

	filename := ref.Filename
	if filename == "" {
		filename = "file.bin"
	}
	clean, markerHash := ParseFilename(filename)

	cacheKey := ref.ContentMD5
	if cacheKey == "" {
		cacheKey = markerHash
	}

	fetch := func(ctx context.Context) ([]byte, error) {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
		return r.fetch(ctx, ref, tenant)
	}

	var data []byte
	var err error
	if cacheKey != "" {
		data, err = r.cache.GetOrFill(ctx, cacheKey, fetch)
	} else {
		data, err = fetch(ctx)
	}
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{
		Filename: clean,
		MIMEType: resolveMIME(ref.MIMEType, clean),
		Data:     data,
	}, nil
}

func (r *Resolver) fetch(ctx context.Context, ref repository.AttachmentRef, tenant *repository.Tenant) ([]byte, error) {
	switch mode := InferMode(ref); mode {
	case ModeBase64:
		return decodeBase64(ref.StoragePath)
	case ModeFilesystem:
		return r.readFile(ref.StoragePath)
	case ModeHTTPURL:
		return r.httpFetch(ctx, http.MethodGet, ref.StoragePath, "", httpAuth(ref, tenant))
	case ModeEndpoint:
		if tenant == nil || tenant.AttachmentURL() == "" {
			return nil, ErrNoEndpoint
		}
		return r.httpFetch(ctx, http.MethodPost, tenant.AttachmentURL(), ref.StoragePath, httpAuth(ref, tenant))
	default:
		return nil, fmt.Errorf("unknown fetch_mode %q", mode)
	}
}

func decodeBase64(path string) ([]byte, error) {
	literal := strings.TrimPrefix(path, base64Prefix)
	data, err := base64.StdEncoding.DecodeString(literal)
	if err != nil {
		return nil, fmt.Errorf("decode base64 attachment: %w", err)
	}
	return data, nil
}

func (r *Resolver) readFile(path string) ([]byte, error) {
	resolved := path
	if !filepath.IsAbs(path) {
		if r.baseDir == "" {
			return nil, fmt.Errorf("relative path %q without a base directory", path)
		}
		resolved = filepath.Join(r.baseDir, path)
		rel, err := filepath.Rel(r.baseDir, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, ErrPathEscape
		}
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read attachment file: %w", err)
	}
	return data, nil
}

func (r *Resolver) httpFetch(ctx context.Context, method, url, body string, auth repository.Auth) ([]byte, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	switch auth.Method {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.User, auth.Password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch attachment: %s returned %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	return data, nil
}

// httpAuth picks the auth descriptor for an HTTP fetch: the per-attachment
// override wins over tenant auth.
func httpAuth(ref repository.AttachmentRef, tenant *repository.Tenant) repository.Auth {
	if ref.Auth != nil {
		return *ref.Auth
	}
	if tenant != nil {
		return tenant.Auth()
	}
	return repository.Auth{}
}

// resolveMIME picks the attachment content type: the declared type, then
// the filename extension, then the binary fallback.
func resolveMIME(declared, filename string) string {
	if declared != "" {
		return declared
	}
	if ext := filepath.Ext(filename); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	return "application/octet-stream"
}
