package storage

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ruteri/key-custody-backend/interfaces"
)

// StoreFactory creates record stores from URI strings.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{
		log: logger,
	}
}

// StoreFor creates a record store from a location URI.
//
// Supported schemes:
//   - memory:// - In-process store, lost on restart
//   - file:///var/lib/custody - One JSON file per wallet
//   - redis://[user:password@]host:port/db?prefix=custody - Redis with optimistic transactions
func (sf *StoreFactory) StoreFor(locationURI string) (interfaces.RecordStore, error) {
	loc, err := interfaces.NewStoreLocation(locationURI)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "memory":
		sf.log.Debug("Creating memory store")
		return NewMemoryStore(sf.log), nil
	case "file":
		return sf.createFileStore(loc)
	case "redis":
		return sf.createRedisStore(loc)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", loc.Scheme)
	}
}

// createFileStore creates a file store.
// URI format: file:///absolute/path or file://./relative/path
func (sf *StoreFactory) createFileStore(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating file store", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + path
	}
	if path == "" {
		return nil, fmt.Errorf("file store URI has no path")
	}
	return NewFileStore(path, sf.log)
}

// createRedisStore creates a Redis store. The prefix parameter is consumed
// here, every other parameter is passed to the Redis client.
func (sf *StoreFactory) createRedisStore(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating redis store", slog.String("host", loc.Host))

	u, err := url.Parse(loc.Raw)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	u.RawQuery = query.Encode()

	return NewRedisStoreFromURL(u.String(), prefix, sf.log)
}
