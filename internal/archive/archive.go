// Package archive implements the Archiver Port: a content-addressed
// snapshot store for raw upstream payloads. Every successful Marketplace
// Client call writes exactly one object here before the payload is handed
// to any downstream consumer.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Store is the object-storage port. The concrete backend (S3, GCS, local
// disk) lives outside this repo; ClientError/TransientUpstreamError style
// failures are the caller's concern, not modeled here.
type Store interface {
	Put(ctx context.Context, key string, contentType string, body []byte) error
}

// Archiver writes content-addressed snapshots under
// prefix/tenantId/dataset/timestamp_hash.json.
type Archiver struct {
	store  Store
	prefix string
	logger *log.Logger
	clock  func() time.Time
}

// New constructs an Archiver. prefix is the bucket-relative key prefix
// (ARCHIVE_PREFIX).
func New(store Store, prefix string) *Archiver {
	return &Archiver{
		store:  store,
		prefix: prefix,
		logger: log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags),
		clock:  time.Now,
	}
}

// Snapshot canonicalizes payload as JSON, hashes it, and writes it under
// prefix/tenantId/dataset/<timestamp>_<hash[:12]>.json. Returns the key
// and the full sha256 hex digest (for the dedup checks callers may want).
func (a *Archiver) Snapshot(ctx context.Context, tenantID, dataset string, payload interface{}) (key string, digest string, err error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", "", fmt.Errorf("archive: canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	digest = hex.EncodeToString(sum[:])

	ts := a.clock().UTC().Format("2006-01-02T15-04-05.000Z")
	key = fmt.Sprintf("%s/%s/%s/%s_%s.json", a.prefix, tenantID, dataset, ts, digest[:12])

	if err := a.store.Put(ctx, key, "application/json", canonical); err != nil {
		return "", "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	a.logger.Printf("snapshot written tenant=%s dataset=%s key=%s", tenantID, dataset, key)
	return key, digest, nil
}

// canonicalJSON produces a deterministic JSON encoding: map keys sorted
// (encoding/json already does this for map[string]any), no HTML escaping,
// no trailing newline.
func canonicalJSON(payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
