package interfaces

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID addresses a snapshot blob: the SHA-256 of its bytes.
type ContentID [32]byte

// ComputeID returns the content address of data.
func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

// NewContentIDFromHex parses a 64-char hex id. A 0x prefix is accepted.
func NewContentIDFromHex(source string) (ContentID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(source, "0x"))
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid content id %q: %w", source, err)
	}
	if len(raw) != len(ContentID{}) {
		return ContentID{}, fmt.Errorf("invalid content id %q: want %d bytes, got %d", source, len(ContentID{}), len(raw))
	}
	return ContentID(raw), nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := NewContentIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ContentType selects the namespace a blob is stored under. Each snapshot
// writes one blob of every type.
type ContentType int

const (
	// ManifestType holds snapshot manifests, which point at the other blobs.
	ManifestType ContentType = iota
	// ChainType holds a serialized ledger chain.
	ChainType
	// TargetsType holds the authorized target table.
	TargetsType
	// SealedKeyType holds the passphrase-sealed master key.
	SealedKeyType
)

var contentTypeNames = map[ContentType]string{
	ManifestType:  "manifest",
	ChainType:     "chain",
	TargetsType:   "targets",
	SealedKeyType: "sealedkey",
}

func (ct ContentType) String() string {
	if name, ok := contentTypeNames[ct]; ok {
		return name
	}
	return "unknown"
}

// AllContentTypes lists every namespace a backend has to provision.
var AllContentTypes = []ContentType{ManifestType, ChainType, TargetsType, SealedKeyType}

// Storage location schemes.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeIPFS  = "ipfs"
	SchemeVault = "vault"
)

// StorageBackendLocation is a parsed backend URI such as
// s3://key:secret@bucket/prefix?region=eu-west-1.
type StorageBackendLocation struct {
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	// Auth is the userinfo part, "user:password" or just "user".
	Auth string

	uri string
}

// NewStorageBackendLocation parses uri and rejects unknown schemes.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case SchemeFile, SchemeS3, SchemeIPFS, SchemeVault:
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	loc := StorageBackendLocation{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		uri:    uri,
	}
	if parsed.User != nil {
		loc.Auth = parsed.User.String()
	}
	return loc, nil
}

// String returns the URI the location was parsed from.
func (loc StorageBackendLocation) String() string {
	return loc.uri
}

// GetParam returns a query parameter, or "" when absent.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool reports whether a query parameter is set to true, 1 or yes.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	switch strings.ToLower(loc.Query.Get(name)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

var (
	// ErrContentNotFound is returned when no backend holds the requested blob.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a backend cannot be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned for malformed or unsupported backend URIs.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend stores and fetches content-addressed snapshot blobs.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	// Name identifies the backend in logs.
	Name() string
	LocationURI() string
}

// StorageBackendFactory turns location URIs into backends.
type StorageBackendFactory interface {
	StorageBackendFor(loc StorageBackendLocation) (StorageBackend, error)
	// CreateMultiBackend replicates stores across every location.
	CreateMultiBackend(locs []StorageBackendLocation) (StorageBackend, error)
	// WithTLSAuth sets the client certificate used by Vault backends.
	WithTLSAuth(func() (tls.Certificate, error)) StorageBackendFactory
}
