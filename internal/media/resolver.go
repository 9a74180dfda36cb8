// Package media decides, per input asset, whether to hand a provider a
// pass-through URL or inline base64 bytes, and performs the encoding.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Mode selects the resolution policy for one slot.
type Mode int

const (
	// ModeAuto passes remote URLs through unchanged and inline-encodes
	// local files. This is the default and avoids the fetch+reencode
	// round trip for assets the provider can reach itself.
	ModeAuto Mode = iota
	// ModeInline always inline-encodes, even for remote URLs. Required
	// by advanced image models that reject URL references outright,
	// and for primary slots when a tail frame forces inline transport.
	ModeInline
)

// Resolved is the outcome for one slot: exactly one of URL or Base64
// is populated. Base64 carries raw base64 with no data-URI prefix.
type Resolved struct {
	URL    string
	Base64 string
	MIME   string
}

// IsInline reports whether the slot resolved to inline bytes.
func (r Resolved) IsInline() bool { return r.Base64 != "" }

// LocalStore reads locally stored upload bytes by filename.
type LocalStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// Resolver applies the resolution policy. Remote fetches are cached
// briefly so a stage plan reusing one reference image fetches it once.
type Resolver struct {
	client *http.Client
	store  LocalStore
	cache  *gocache.Cache
	logger zerolog.Logger
}

// NewResolver builds a Resolver around the given local store.
func NewResolver(store LocalStore, client *http.Client, logger zerolog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Resolver{
		client: client,
		store:  store,
		cache:  gocache.New(5*time.Minute, 10*time.Minute),
		logger: logger.With().Str("component", "media").Logger(),
	}
}

// IsRemote reports whether the reference carries an http/https scheme.
func IsRemote(ref domain.MediaRef) bool {
	return strings.HasPrefix(ref.Ref, "http://") || strings.HasPrefix(ref.Ref, "https://")
}

// Resolve applies the policy for one slot. The slot name is used in
// error messages so callers can tell which input failed.
func (r *Resolver) Resolve(ctx context.Context, slot string, ref domain.MediaRef, mode Mode) (Resolved, error) {
	if ref.IsZero() {
		return Resolved{}, domain.NewProviderError(domain.ErrValidation, "missing_media", fmt.Sprintf("%s: reference is required", slot))
	}
	if mode == ModeAuto && IsRemote(ref) {
		return Resolved{URL: ref.Ref}, nil
	}
	data, mimeType, err := r.load(ctx, ref)
	if err != nil {
		return Resolved{}, domain.NewProviderError(domain.ErrValidation, "media_encode_failed", fmt.Sprintf("%s: %v", slot, err))
	}
	return Resolved{Base64: StripDataURI(base64.StdEncoding.EncodeToString(data)), MIME: mimeType}, nil
}

// DataURI fetches or reads the reference and renders it as a data URI
// for internal/display use.
func (r *Resolver) DataURI(ctx context.Context, ref domain.MediaRef) (string, error) {
	data, mimeType, err := r.load(ctx, ref)
	if err != nil {
		return "", err
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (r *Resolver) load(ctx context.Context, ref domain.MediaRef) ([]byte, string, error) {
	if IsRemote(ref) {
		return r.fetch(ctx, ref.Ref)
	}
	if r.store == nil {
		return nil, "", fmt.Errorf("media: no local store configured")
	}
	data, err := r.store.Read(ctx, ref.Ref)
	if err != nil {
		return nil, "", fmt.Errorf("media: read local file: %w", err)
	}
	return data, DetectMIME("", ref.Ref), nil
}

type cachedFetch struct {
	data []byte
	mime string
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if hit, ok := r.cache.Get(rawURL); ok {
		c := hit.(cachedFetch)
		return c.data, c.mime, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media: build fetch request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("media: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("media: fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("media: read fetch body: %w", err)
	}
	mimeType := DetectMIME(resp.Header.Get("Content-Type"), rawURL)
	r.cache.SetDefault(rawURL, cachedFetch{data: data, mime: mimeType})
	r.logger.Debug().Str("url", rawURL).Int("bytes", len(data)).Msg("fetched remote media")
	return data, mimeType, nil
}

// StripDataURI removes any data-URI prefix so only raw base64 remains.
// Provider payload fields expect the bare encoding.
func StripDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return s
}

// DetectMIME picks a media type in order of preference: the transport
// content-type when it names an image or video, then the file
// extension, then a safe generic default.
func DetectMIME(contentType, ref string) string {
	ct := strings.TrimSpace(contentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/") {
		return ct
	}
	ext := strings.ToLower(path.Ext(strippedQuery(ref)))
	if ext != "" {
		if byExt := mime.TypeByExtension(ext); strings.HasPrefix(byExt, "image/") || strings.HasPrefix(byExt, "video/") {
			return byExt
		}
	}
	switch ext {
	case ".mp4", ".mov", ".webm":
		return "video/mp4"
	default:
		return "image/jpeg"
	}
}

func strippedQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}
