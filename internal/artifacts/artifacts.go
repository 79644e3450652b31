// Package artifacts is the Streaming Artifact Channel of spec.md §4.5/§4.6
// (C7) plus the filesystem half of Artifact Storage (C2): chunked ingest of
// source/credential uploads and build results, staged to a temp file and
// atomically renamed into place, with path containment, size ceilings, and
// (per SPEC_FULL.md §4) a detached JWS over each completed result's digest.
// Ingest and Egress each stream with a single synchronous io.Copy against a
// local file; the signing half is built on the go-jose library.
package artifacts

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/metrics"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// Kind names the artifact categories spec.md §4.5 distinguishes, each with
// its own size ceiling and storage subdirectory.
type Kind string

const (
	KindSource      Kind = "sources"
	KindCredentials Kind = "credentials"
	KindResult      Kind = "results"
)

// Limits holds the per-kind size ceilings from spec.md §6.
type Limits struct {
	SourceMaxBytes      int64
	CredentialsMaxBytes int64
	ResultMaxBytes      int64
	ChunkSize           int
}

func (l Limits) maxFor(kind Kind) int64 {
	switch kind {
	case KindSource:
		return l.SourceMaxBytes
	case KindCredentials:
		return l.CredentialsMaxBytes
	case KindResult:
		return l.ResultMaxBytes
	default:
		return 0
	}
}

// Channel implements chunked artifact ingest and egress against a local
// filesystem root.
type Channel struct {
	root   string
	limits Limits
	log    utils.Logger
}

// New constructs a Channel rooted at root, creating its kind subdirectories.
func New(root string, limits Limits, log utils.Logger) (*Channel, error) {
	for _, kind := range []Kind{KindSource, KindCredentials, KindResult} {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o750); err != nil {
			return nil, fmt.Errorf("artifacts: creating %s dir: %w", kind, err)
		}
	}
	return &Channel{root: root, limits: limits, log: log.WithName("artifacts")}, nil
}

// resolve joins a relative artifact path onto the storage root and verifies
// the cleaned result stays within the root, rejecting any ".." traversal
// before the path ever reaches a filesystem call. Symlinks are not resolved;
// the check is on the lexical path only.
func (c *Channel) resolve(relPath string) (string, error) {
	full := filepath.Join(c.root, relPath)
	absRoot, err := filepath.Abs(c.root)
	if err != nil {
		return "", apierr.Internal(err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", apierr.Internal(err)
	}
	if absFull != absRoot && !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
		return "", apierr.PathViolation("artifact path escapes storage root")
	}
	return absFull, nil
}

// IngestResult is what Ingest reports back about the bytes it staged.
type IngestResult struct {
	Path      string
	SizeBytes int64
	SHA256    string
}

// Ingest streams r into a staging file under kind's subdirectory and
// atomically renames it into place as buildID's artifact of that kind,
// enforcing the kind's size ceiling without ever buffering the whole
// payload in memory. Exceeding the ceiling aborts the write and removes
// the partial staging file.
func (c *Channel) Ingest(ctx context.Context, kind Kind, buildID string, r io.Reader) (*IngestResult, error) {
	max := c.limits.maxFor(kind)
	relPath := filepath.Join(string(kind), buildID+".bin")
	finalPath, err := c.resolve(relPath)
	if err != nil {
		return nil, err
	}

	stagingPath := finalPath + ".staging"
	f, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, apierr.StorageUnavailable(err)
	}
	cleanupStaging := true
	defer func() {
		f.Close()
		if cleanupStaging {
			os.Remove(stagingPath)
		}
	}()

	hash := sha256.New()
	limited := io.LimitReader(r, max+1)
	written, err := io.Copy(io.MultiWriter(f, hash), limited)
	if err != nil {
		return nil, apierr.StorageUnavailable(err)
	}
	if written > max {
		return nil, apierr.PayloadTooLarge(fmt.Sprintf("%s artifact exceeds %d byte ceiling", kind, max))
	}
	if err := f.Sync(); err != nil {
		return nil, apierr.StorageUnavailable(err)
	}
	if err := f.Close(); err != nil {
		return nil, apierr.StorageUnavailable(err)
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		return nil, apierr.StorageUnavailable(err)
	}
	cleanupStaging = false

	metrics.ArtifactBytesTotal.WithLabelValues(string(kind), "in").Add(float64(written))

	return &IngestResult{
		Path:      relPath,
		SizeBytes: written,
		SHA256:    fmt.Sprintf("%x", hash.Sum(nil)),
	}, nil
}

// Egress streams the artifact at relPath to w in fixed-size chunks.
func (c *Channel) Egress(ctx context.Context, relPath string, w io.Writer) error {
	full, err := c.resolve(relPath)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return apierr.NotFound("artifact not found")
		}
		return apierr.StorageUnavailable(err)
	}
	defer f.Close()

	chunkSize := c.limits.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	buf := make([]byte, chunkSize)
	written, err := io.CopyBuffer(w, f, buf)
	if err != nil {
		return apierr.StorageUnavailable(err)
	}
	metrics.ArtifactBytesTotal.WithLabelValues(kindOf(relPath), "out").Add(float64(written))
	return nil
}

// kindOf extracts the artifact kind from a channel-relative path's leading
// directory segment, for metric labeling.
func kindOf(relPath string) string {
	parts := strings.SplitN(filepath.ToSlash(relPath), "/", 2)
	return parts[0]
}

// ReadCredentialsJSON decodes the credential artifact at relPath as JSON
// into v, guarding against a decompression-bomb-style oversized payload by
// capping the bytes the decoder is allowed to read regardless of what the
// file's own size metadata claims.
func (c *Channel) ReadCredentialsJSON(relPath string, v interface{}) error {
	full, err := c.resolve(relPath)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return apierr.NotFound("credential artifact not found")
		}
		return apierr.StorageUnavailable(err)
	}
	defer f.Close()

	limited := io.LimitReader(f, c.limits.CredentialsMaxBytes+1)
	dec := json.NewDecoder(limited)
	if err := dec.Decode(v); err != nil {
		return apierr.Validation(fmt.Sprintf("invalid credentials payload: %v", err))
	}
	return nil
}

// Signer produces detached JWS signatures over completed-build result
// digests (SPEC_FULL.md §4 "Signed result artifacts"), ES256 over an
// in-memory ECDSA P-256 key pair generated at startup.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner generates a fresh signing key pair.
func NewSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("artifacts: generating signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// ResultClaims is the payload a completed build's signature covers.
type ResultClaims struct {
	BuildID     string    `json:"buildId"`
	Digest      string    `json:"digest"`
	CompletedAt time.Time `json:"completedAt"`
}

// Sign produces a compact detached JWS over claims.
func (s *Signer) Sign(claims ResultClaims) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: s.key}, nil)
	if err != nil {
		return "", apierr.Internal(err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", apierr.Internal(err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", apierr.Internal(err)
	}
	compact, err := sig.CompactSerialize()
	if err != nil {
		return "", apierr.Internal(err)
	}
	return compact, nil
}

// JWKThumbprint returns the SHA-256 thumbprint of the signer's public key,
// published via GET /health so a submitter can verify a signature
// independently of the controller.
func (s *Signer) JWKThumbprint() (string, error) {
	jwk := jose.JSONWebKey{Key: &s.key.PublicKey, Algorithm: string(jose.ES256), Use: "sig"}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", apierr.Internal(err)
	}
	return fmt.Sprintf("%x", thumb), nil
}
