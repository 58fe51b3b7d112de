package ai

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	mimeOctetStream = "application/octet-stream"

	defaultFetchTimeout = 60 * time.Second
	defaultCacheSize    = 32
	defaultCacheTTL     = 10 * time.Minute
	defaultMaxBytes     = 50 << 20
)

var errTooLarge = errors.New("attachment exceeds size limit")

var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// DetectMIMEType picks the media type of a document. An explicit type wins
// unless it is empty or generic, then the file extension of name decides.
func DetectMIMEType(explicit, name string) string {
	if mt, _, _ := strings.Cut(explicit, ";"); mt != "" {
		mt = strings.ToLower(strings.TrimSpace(mt))
		if mt != "" && mt != mimeOctetStream {
			return mt
		}
	}

	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	if mt, ok := extensionTypes[strings.ToLower(path.Ext(name))]; ok {
		return mt
	}
	return mimeOctetStream
}

type ResolverOptions struct {
	FetchTimeout time.Duration
	CacheSize    int
	CacheTTL     time.Duration
	MaxBytes     int64
	HTTPClient   *http.Client
}

// Resolver loads attachment payloads. Fetched URLs are cached per version so
// the same document is downloaded once across the stages of a run, and
// entries expire after CacheTTL.
type Resolver struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	cache    *expirable.LRU[string, Blob]
	logger   *zap.Logger
}

func NewResolver(logger *zap.Logger, opts ResolverOptions) (*Resolver, error) {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return &Resolver{
		client:   opts.HTTPClient,
		timeout:  opts.FetchTimeout,
		maxBytes: opts.MaxBytes,
		cache:    expirable.NewLRU[string, Blob](opts.CacheSize, nil, opts.CacheTTL),
		logger:   logger,
	}, nil
}

// Resolve loads every attachment in order. Attachments that cannot be loaded
// are logged and left out; the call itself never fails.
func (r *Resolver) Resolve(ctx context.Context, attachments []Attachment) []Blob {
	blobs := make([]Blob, 0, len(attachments))
	for _, att := range attachments {
		blob, err := r.resolve(ctx, att)
		if err != nil {
			r.logger.Warn("skip attachment", zap.String("source", att.source()), zap.Error(err))
			continue
		}
		blobs = append(blobs, blob)
	}
	return blobs
}

func (r *Resolver) resolve(ctx context.Context, att Attachment) (Blob, error) {
	switch {
	case att.URL != "":
		return r.fetch(ctx, att)
	case att.Path != "":
		return r.readFile(att)
	case len(att.Data) > 0:
		if int64(len(att.Data)) > r.maxBytes {
			return Blob{}, errTooLarge
		}
		return Blob{
			Data:     att.Data,
			MIMEType: DetectMIMEType(att.MIMEType, att.Name),
			Source:   att.source(),
		}, nil
	default:
		return Blob{}, errors.New("attachment has no url, path or data")
	}
}

func (r *Resolver) readFile(att Attachment) (Blob, error) {
	info, err := os.Stat(att.Path)
	if err != nil {
		return Blob{}, err
	}
	if info.Size() > r.maxBytes {
		return Blob{}, errTooLarge
	}

	data, err := os.ReadFile(att.Path)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		Data:     data,
		MIMEType: DetectMIMEType(att.MIMEType, att.Path),
		Source:   att.Path,
	}, nil
}

func (r *Resolver) fetch(ctx context.Context, att Attachment) (Blob, error) {
	key := att.cacheKey()
	if blob, ok := r.cache.Get(key); ok {
		return blob, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return Blob{}, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := r.client.Do(req)
	if err != nil {
		return Blob{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Blob{}, fmt.Errorf("bad status: %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return Blob{}, err
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return Blob{}, err
	}
	if int64(len(data)) > r.maxBytes {
		return Blob{}, errTooLarge
	}

	explicit := att.MIMEType
	if explicit == "" {
		explicit = resp.Header.Get("Content-Type")
	}
	blob := Blob{
		Data:     data,
		MIMEType: DetectMIMEType(explicit, att.URL),
		Source:   att.URL,
	}
	r.cache.Add(key, blob)
	return blob, nil
}
