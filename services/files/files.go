// Package files moves files in and out of session workspaces.
package files

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"collabmgr/services/operator"
)

const (
	DefaultUploadRoot = "/workspace"
	maxArchiveSize    = 512 << 20
)

// ErrInvalidPath is returned for paths that escape the upload root.
var ErrInvalidPath = errors.New("invalid file path")

// ObjectStore is the object storage used for exports. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Signer signs export archives. *secrets.Box satisfies it.
type Signer interface {
	Enabled() bool
	Sign(payload []byte) (string, error)
}

// Entry is one file to upload.
type Entry struct {
	Name string
	Mode int64
	Data []byte
}

// Export describes an uploaded workspace archive.
type Export struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	Signature string    `json:"signature,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config controls the Service.
type Config struct {
	Bucket     string
	UploadRoot string
	LinkTTL    time.Duration
}

// Service uploads files into sessions and exports workspace directories.
type Service struct {
	operator operator.Operator
	objects  ObjectStore
	signer   Signer
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New returns a Service. objects may be nil, in which case Export fails.
func New(op operator.Operator, objects ObjectStore, signer Signer, cfg Config, logger zerolog.Logger) (*Service, error) {
	if op == nil {
		return nil, errors.New("operator is required")
	}
	if cfg.UploadRoot == "" {
		cfg.UploadRoot = DefaultUploadRoot
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = time.Hour
	}
	return &Service{
		operator: op,
		objects:  objects,
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "files").Logger(),
		now:      time.Now,
	}, nil
}

// Upload writes entries below the upload root of a session.
func (s *Service) Upload(ctx context.Context, sessionID string, entries []Entry) error {
	archive, err := BuildArchive(s.cfg.UploadRoot, entries, s.now())
	if err != nil {
		return err
	}
	if err := s.operator.UploadFiles(ctx, sessionID, archive); err != nil {
		return fmt.Errorf("upload files: %w", err)
	}
	s.logger.Info().Str("session_id", sessionID).Int("files", len(entries)).Msg("files uploaded")
	return nil
}

// Export downloads dir from the session as a tar stream, compresses it with
// zstd, stores it, and returns a time-limited download link.
func (s *Service) Export(ctx context.Context, sessionID, dir string) (Export, error) {
	if s.objects == nil || s.cfg.Bucket == "" {
		return Export{}, errors.New("object storage is not configured")
	}
	if dir == "" {
		dir = s.cfg.UploadRoot
	}
	if !path.IsAbs(dir) || strings.Contains(dir, "..") {
		return Export{}, fmt.Errorf("%w: %s", ErrInvalidPath, dir)
	}

	rc, err := s.operator.DownloadFile(ctx, sessionID, dir)
	if err != nil {
		return Export{}, fmt.Errorf("download %s: %w", dir, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return Export{}, err
	}
	if _, err := io.Copy(enc, io.LimitReader(rc, maxArchiveSize)); err != nil {
		enc.Close()
		return Export{}, fmt.Errorf("compress export: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Export{}, fmt.Errorf("compress export: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	digest := hex.EncodeToString(sum[:])
	now := s.now().UTC()
	out := Export{
		Key:       fmt.Sprintf("exports/%s/%s.tar.zst", sessionID, now.Format("20060102T150405Z")),
		SHA256:    digest,
		Size:      int64(buf.Len()),
		ExpiresAt: now.Add(s.cfg.LinkTTL),
	}

	if s.signer != nil && s.signer.Enabled() {
		if out.Signature, err = s.signer.Sign(sum[:]); err != nil {
			return Export{}, fmt.Errorf("sign export: %w", err)
		}
	}

	if err := s.objects.PutObject(ctx, s.cfg.Bucket, out.Key, bytes.NewReader(buf.Bytes()), out.Size, digest); err != nil {
		return Export{}, fmt.Errorf("store export: %w", err)
	}
	if out.URL, err = s.objects.PresignGet(ctx, s.cfg.Bucket, out.Key, s.cfg.LinkTTL); err != nil {
		return Export{}, fmt.Errorf("presign export: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("key", out.Key).Int64("size", out.Size).Msg("workspace exported")
	return out, nil
}

// BuildArchive packs entries into a tar archive rooted at root. Entry names
// are relative; names that would leave root are rejected.
func BuildArchive(root string, entries []Entry, modTime time.Time) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("no files to upload")
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}

	for _, e := range sorted {
		name, err := archivePath(root, e.Name)
		if err != nil {
			return nil, err
		}
		for _, dir := range parents(name) {
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir + "/", Mode: 0o755, ModTime: modTime}); err != nil {
				return nil, err
			}
		}

		mode := e.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: mode, Size: int64(len(e.Data)), ModTime: modTime}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.Data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// archivePath returns the tar member name for name below root, without the
// leading slash since the archive is extracted at /.
func archivePath(root, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	cleaned := path.Clean(path.Join(root, name))
	rootClean := path.Clean(root)
	if cleaned == rootClean || !strings.HasPrefix(cleaned, rootClean+"/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func parents(name string) []string {
	var out []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}
