package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

// Store inserts rows into one database. InsertBatch writes all rows in a
// single transaction: either every row is committed or none is.
type Store interface {
	InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error
	Close() error
}

// Opener connects a Store for a connection profile.
type Opener func(ctx context.Context, profile config.DatabaseProfile) (Store, error)

// Open connects to the database described by profile using its driver.
func Open(ctx context.Context, profile config.DatabaseProfile) (Store, error) {
	switch profile.Driver {
	case config.DriverPostgres:
		return OpenPostgres(ctx, profile)
	case config.DriverMySQL:
		return OpenMySQL(ctx, profile)
	default:
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "Store", "Open", "unsupported driver %q", profile.Driver)
	}
}

type sharedStore struct {
	// ready is closed once the opener returned; store and err are set then.
	ready chan struct{}
	store Store
	err   error
	refs  int
}

// Stores shares one connection pool per profile between destinations.
// Profiles are compared by value, so editing a profile opens a new pool
// while destinations still using the old one keep it until released.
//
// Connecting happens outside the registry lock: a profile that is slow or
// unreachable only delays callers of that same profile.
type Stores struct {
	open Opener

	mu      sync.Mutex
	entries map[config.DatabaseProfile]*sharedStore
	closed  bool
}

// NewStores creates a registry. A nil opener uses Open.
func NewStores(open Opener) *Stores {
	if open == nil {
		open = Open
	}
	return &Stores{open: open, entries: make(map[config.DatabaseProfile]*sharedStore)}
}

// Acquire returns the store for profile, connecting on first use. Callers
// racing on a profile that is still connecting wait for that attempt and
// share its result. The returned release function must be called exactly
// once.
func (s *Stores) Acquire(ctx context.Context, profile config.DatabaseProfile) (Store, func() error, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, nil, errors.WrapInvalid(errors.ErrShuttingDown, "Stores", "Acquire", "connect profile "+profile.ID)
		}
		e, ok := s.entries[profile]
		if !ok {
			e = &sharedStore{ready: make(chan struct{}), refs: 1}
			s.entries[profile] = e
			s.mu.Unlock()
			return s.connect(ctx, profile, e)
		}
		s.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, nil, errors.WrapTransient(ctx.Err(), "Stores", "Acquire", "wait for profile "+profile.ID)
		}
		if e.err != nil {
			return nil, nil, connectError(profile, e.err)
		}

		s.mu.Lock()
		if s.entries[profile] != e {
			// Released or closed while we waited.
			s.mu.Unlock()
			continue
		}
		e.refs++
		s.mu.Unlock()
		return e.store, s.releaser(profile, e), nil
	}
}

// connect runs the opener for a freshly registered entry.
func (s *Stores) connect(ctx context.Context, profile config.DatabaseProfile, e *sharedStore) (Store, func() error, error) {
	store, err := s.open(ctx, profile)

	s.mu.Lock()
	e.store, e.err = store, err
	live := s.entries[profile] == e
	if err != nil && live {
		delete(s.entries, profile)
	}
	close(e.ready)
	s.mu.Unlock()

	if err != nil {
		return nil, nil, connectError(profile, err)
	}
	if !live {
		// The registry was closed while connecting.
		_ = store.Close()
		return nil, nil, errors.WrapInvalid(errors.ErrShuttingDown, "Stores", "Acquire", "connect profile "+profile.ID)
	}
	return store, s.releaser(profile, e), nil
}

func connectError(profile config.DatabaseProfile, err error) error {
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
		"Stores", "Acquire", "connect profile "+profile.ID)
}

func (s *Stores) releaser(profile config.DatabaseProfile, e *sharedStore) func() error {
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = s.release(profile, e) })
		return err
	}
}

func (s *Stores) release(profile config.DatabaseProfile, e *sharedStore) error {
	s.mu.Lock()
	e.refs--
	if e.refs > 0 || s.entries[profile] != e {
		// Still shared, or already closed by Close.
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, profile)
	s.mu.Unlock()
	return e.store.Close()
}

// Len returns the number of open or connecting stores.
func (s *Stores) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close closes every store regardless of references. Stores still
// connecting are closed by their opener when it returns.
func (s *Stores) Close() error {
	s.mu.Lock()
	s.closed = true
	var open []Store
	for profile, e := range s.entries {
		delete(s.entries, profile)
		select {
		case <-e.ready:
			open = append(open, e.store)
		default:
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, store := range open {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Lazy returns a Store that acquires the shared store for profile on first
// insert and releases it on Close. Connection failures surface as insert
// errors and are retried with the batch.
func (s *Stores) Lazy(profile config.DatabaseProfile) Store {
	return &lazyStore{stores: s, profile: profile}
}

type lazyStore struct {
	stores  *Stores
	profile config.DatabaseProfile

	mu      sync.Mutex
	store   Store
	release func() error
	closed  bool
}

func (l *lazyStore) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Store", "InsertBatch", "insert into closed store")
	}
	if l.store == nil {
		store, release, err := l.stores.Acquire(ctx, l.profile)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		l.store, l.release = store, release
	}
	store := l.store
	l.mu.Unlock()

	return store.InsertBatch(ctx, table, columns, rows)
}

func (l *lazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.release == nil {
		return nil
	}
	return l.release()
}
