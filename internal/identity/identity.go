// Package identity maps raw candidate URLs and capture times onto canonical
// snapshot identities.
package identity

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// DefaultBucket is the capture-time window used when none is configured.
const DefaultBucket = 24 * time.Hour

// Resolver computes SnapshotIdentity values. It is pure and safe for concurrent use.
type Resolver struct {
	bucket time.Duration
}

// New returns a Resolver truncating capture times to bucket.
func New(bucket time.Duration) *Resolver {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	return &Resolver{bucket: bucket}
}

// Bucket returns the configured capture window.
func (r *Resolver) Bucket() time.Duration { return r.bucket }

// Resolve normalizes rawURL, buckets captureTime and attaches digest.
func (r *Resolver) Resolve(rawURL string, captureTime time.Time, digest string) (archive.SnapshotIdentity, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return archive.SnapshotIdentity{}, err
	}
	return archive.SnapshotIdentity{
		NormalizedURL: normalized,
		CaptureBucket: captureTime.UTC().Truncate(r.bucket),
		ContentDigest: strings.ToLower(strings.TrimSpace(digest)),
	}, nil
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters by key then value, and removes fragments and userinfo. Only
// URLs that url.Parse rejects, or that lack an http(s) scheme or a host, are
// invalid.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", archive.ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", archive.ErrInvalidURL, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", archive.ErrInvalidURL, rawURL)
	}

	if u.Scheme == "http" && u.Port() == "80" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && u.Port() == "443" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	u.RawQuery = normalizeQuery(u.RawQuery)
	u.ForceQuery = false

	return u.String(), nil
}

// normalizeQuery re-encodes well-formed queries canonically. Queries that
// url.ParseQuery rejects, such as legacy ";" separators or a bare "%", keep
// their raw "&"-separated pairs, sorted without decoding.
func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	if q, err := url.ParseQuery(raw); err == nil {
		for key := range q {
			sort.Strings(q[key])
		}
		// Encode sorts by key.
		return q.Encode()
	}
	pairs := make([]string, 0, strings.Count(raw, "&")+1)
	for _, pair := range strings.Split(raw, "&") {
		if pair != "" {
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}
