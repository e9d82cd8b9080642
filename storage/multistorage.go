package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/actuation-gate/interfaces"
	"golang.org/x/sync/errgroup"
)

// MultiStorageBackend replicates content across several backends. Store
// writes to every available backend in parallel; Fetch returns the first
// copy whose content id matches.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a replicating backend.
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch tries each available backend in order. Content that does not hash to
// id is skipped, so a corrupted replica never shadows a good one.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err != nil {
			if errors.Is(err, interfaces.ErrContentNotFound) {
				notFound++
			}
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to fetch from backend",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.String()),
				"err", err)
			continue
		}
		if interfaces.ComputeID(data) != id {
			errs = append(errs, fmt.Errorf("%s: content does not match id", backend.Name()))
			m.log.Warn("Backend returned corrupted content",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.String()))
			continue
		}

		m.log.Debug("Fetched content",
			slog.String("backend_name", backend.Name()),
			slog.String("content_id", id.String()),
			slog.Duration("duration", time.Since(start)))
		return data, nil
	}

	if len(m.backends) > 0 && notFound == len(m.backends) {
		return nil, interfaces.ErrContentNotFound
	}
	m.log.Error("All backends failed to fetch content",
		slog.String("content_id", id.String()),
		slog.Int("failed_backends", len(errs)))
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id, errors.Join(errs...))
}

// Store writes data to every available backend. It succeeds if at least one
// backend stored the content.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)

	var (
		mu     sync.Mutex
		stored int
		errs   []error
	)
	var g errgroup.Group
	for _, backend := range m.backends {
		backend := backend
		g.Go(func() error {
			var err error
			if !backend.Available(ctx) {
				err = interfaces.ErrBackendUnavailable
			} else {
				var got interfaces.ContentID
				got, err = backend.Store(ctx, data, contentType)
				if err == nil && got != id {
					err = fmt.Errorf("backend returned id %s", got)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
				m.log.Warn("Failed to store to backend", slog.String("backend_name", backend.Name()), "err", err)
				return nil
			}
			stored++
			return nil
		})
	}
	_ = g.Wait()

	if stored == 0 {
		m.log.Error("All backends failed to store data", slog.Int("failed_backends", len(errs)))
		return id, fmt.Errorf("all backends failed to store data: %w", errors.Join(errs...))
	}

	m.log.Debug("Stored content",
		slog.String("content_id", id.String()),
		slog.Int("replicas", stored),
		slog.Duration("duration", time.Since(start)))
	return id, nil
}

// Available reports whether any backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI lists the URIs of the wrapped backends.
func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
