package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/actuation-gate/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory struct {
	log        *slog.Logger
	clientCert func() (tls.Certificate, error)
}

// NewStorageBackendFactory creates a new factory.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageBackendFactory{log: logger}
}

// WithTLSAuth returns a factory whose Vault backends authenticate with the
// client certificate returned by getCert.
func (sf *StorageBackendFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{log: sf.log, clientCert: getCert}
}

// StorageBackendFor creates a storage backend from a location.
//
// Supported schemes:
//   - file:///var/lib/gate or file://./relative/path
//   - s3://[ACCESS:SECRET@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&path_style=true
//   - ipfs://host:5001/root?timeout=30s
//   - vault://host:8200/mount/path?tls=false (token from VAULT_TOKEN)
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch loc.Scheme {
	case interfaces.SchemeFile:
		return sf.createFileBackend(loc)
	case interfaces.SchemeS3:
		return sf.createS3Backend(loc)
	case interfaces.SchemeIPFS:
		return sf.createIPFSBackend(loc)
	case interfaces.SchemeVault:
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a replicating backend. Locations that cannot be
// turned into a backend are logged and skipped.
func (sf *StorageBackendFactory) CreateMultiBackend(locs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locs))
	for _, loc := range locs {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, slog.String("location", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	p := loc.Path
	if loc.Host != "" {
		p = loc.Host + "/" + strings.TrimPrefix(p, "/")
	}
	if p == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return NewFileBackend(p, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	opts := S3Options{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.GetParam("region"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
	}
	if loc.Auth != "" {
		access, secret, _ := strings.Cut(loc.Auth, ":")
		opts.AccessKey = access
		opts.SecretKey = secret
	}
	return NewS3Backend(opts, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if !found {
		port = ""
	}
	var timeout time.Duration
	if raw := loc.GetParam("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = d
	}
	return NewIPFSBackend(host, port, loc.Path, timeout, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	scheme := "https"
	if v := loc.GetParam("tls"); v == "false" || v == "0" {
		scheme = "http"
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	opts := VaultOptions{
		Address:   fmt.Sprintf("%s://%s", scheme, loc.Host),
		MountPath: mount,
		DataPath:  dataPath,
		Token:     os.Getenv("VAULT_TOKEN"),
	}
	if sf.clientCert != nil {
		cert, err := sf.clientCert()
		if err != nil {
			return nil, fmt.Errorf("failed to load vault client certificate: %w", err)
		}
		opts.ClientCert = &cert
	}
	return NewVaultBackend(opts, sf.log)
}

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)
