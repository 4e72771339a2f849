// Package credstore implements the KV-backed credential store. Reads are
// served from an in-memory cache that a bucket watcher keeps consistent;
// writes go through to the bucket with optimistic revision checks.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/thomastaylor312/snas/pkg/logger"
	"github.com/thomastaylor312/snas/pkg/metrics"
	"github.com/thomastaylor312/snas/pkg/models"
)

const snapshotFetchConcurrency = 8

// Store is a single-writer/many-reader facade over a KV bucket. A background
// watcher applies bucket changes to the local cache for the lifetime of the
// store, so every replica sharing the bucket converges on the same view.
type Store struct {
	kv     jetstream.KeyValue
	log    logger.Logger
	cancel context.CancelFunc

	mu    sync.RWMutex
	cache map[string]*models.UserRecord
}

// New builds a store over the given bucket. The watcher is subscribed before
// the initial snapshot is taken so no update in between can be lost; replayed
// puts are idempotent at key granularity. New returns once the cache holds
// the snapshot, with the watcher draining in the background until Close.
func New(ctx context.Context, kv jetstream.KeyValue, log logger.Logger) (*Store, error) {
	watchCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		kv:     kv,
		log:    log.WithComponent("credstore"),
		cancel: cancel,
		cache:  make(map[string]*models.UserRecord),
	}

	watcher, err := kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to watch bucket: %w", err)
	}

	s.log.Info().Msg("Fetching initial data for local cache")

	if err := s.initialFetch(ctx); err != nil {
		cancel()

		if stopErr := watcher.Stop(); stopErr != nil {
			s.log.Error().Err(stopErr).Msg("Failed to stop watcher during init failure")
		}

		return nil, err
	}

	s.log.Debug().Int("users", len(s.cache)).Msg("Data initialization complete, starting watch")
	metrics.UsersTotal.Set(float64(len(s.cache)))

	go s.watchLoop(watchCtx, watcher)

	return s, nil
}

// Close cancels the watcher. The cache is no longer kept consistent after
// this returns.
func (s *Store) Close() {
	s.cancel()
}

// Exists reports whether the username is known. The cache is checked first
// and then the bucket itself, so a concurrent creation attempt observes its
// own write even before the watcher has applied it locally.
func (s *Store) Exists(ctx context.Context, username string) (bool, error) {
	s.mu.RLock()
	_, ok := s.cache[username]
	s.mu.RUnlock()

	if ok {
		return true, nil
	}

	_, err := s.kv.Get(ctx, username)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to check for user %s: %w", username, err)
	}

	return true, nil
}

// Get returns the cached record for the username, or nil if it is unknown.
func (s *Store) Get(username string) *models.UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cache[username].Clone()
}

// Put writes the record through to the bucket with a compare-and-swap on the
// current revision (create semantics when the key is absent), then updates
// the cache. A lost race surfaces as an error and leaves the cache untouched.
func (s *Store) Put(ctx context.Context, username string, record *models.UserRecord) error {
	// Encode before taking any locks so we can bail early on a bad record.
	value, err := models.EncodeRecord(record)
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("put", "error").Inc()

		return err
	}

	entry, err := s.kv.Get(ctx, username)

	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		_, err = s.kv.Create(ctx, username, value)
	case err != nil:
		metrics.StoreOperationsTotal.WithLabelValues("put", "error").Inc()

		return fmt.Errorf("failed to fetch current revision for %s: %w", username, err)
	default:
		_, err = s.kv.Update(ctx, username, value, entry.Revision())
	}

	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("put", "error").Inc()

		return fmt.Errorf("failed to update store for %s: %w", username, err)
	}

	s.mu.Lock()
	s.cache[username] = record.Clone()
	metrics.UsersTotal.Set(float64(len(s.cache)))
	s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues("put", "ok").Inc()

	return nil
}

// Delete purges the key from the bucket, removing its history, and drops the
// cache entry whether or not it was present. Purging a nonexistent key is not
// an error.
func (s *Store) Delete(ctx context.Context, username string) error {
	if err := s.kv.Purge(ctx, username); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("delete", "error").Inc()

		return fmt.Errorf("failed to delete user %s from store: %w", username, err)
	}

	s.mu.Lock()
	delete(s.cache, username)
	metrics.UsersTotal.Set(float64(len(s.cache)))
	s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues("delete", "ok").Inc()

	return nil
}

// List returns a sorted snapshot of all cached usernames.
func (s *Store) List() []string {
	s.mu.RLock()
	users := make([]string, 0, len(s.cache))

	for username := range s.cache {
		users = append(users, username)
	}
	s.mu.RUnlock()

	sort.Strings(users)

	return users
}

// initialFetch enumerates the bucket and installs the current value of every
// key. Keys whose latest operation is a delete or purge are skipped by the
// bucket itself; a record that fails to decode fails construction because a
// half-populated cache would serve wrong answers.
func (s *Store) initialFetch(ctx context.Context) error {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys from store: %w", err)
	}

	g, fetchCtx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotFetchConcurrency)

	for key := range lister.Keys() {
		key := key
		g.Go(func() error {
			entry, err := s.kv.Get(fetchCtx, key)
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				// Deleted between listing and fetching.
				return nil
			}

			if err != nil {
				return fmt.Errorf("failed to get value for %s: %w", key, err)
			}

			record, err := models.DecodeRecord(entry.Value())
			if err != nil {
				return fmt.Errorf("failed to decode record for %s: %w", key, err)
			}

			s.mu.Lock()
			s.cache[key] = record
			s.mu.Unlock()

			return nil
		})
	}

	return g.Wait()
}

func (s *Store) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer func() {
		if err := watcher.Stop(); err != nil {
			s.log.Error().Err(err).Msg("Failed to stop bucket watcher")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-watcher.Updates():
			if !ok {
				s.log.Warn().Msg("Bucket watcher closed, cache updates stopped")

				return
			}

			if update == nil {
				continue
			}

			s.applyUpdate(update)
		}
	}
}

func (s *Store) applyUpdate(update jetstream.KeyValueEntry) {
	switch update.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		s.mu.Lock()
		delete(s.cache, update.Key())
		metrics.UsersTotal.Set(float64(len(s.cache)))
		s.mu.Unlock()

		s.log.Debug().Str("user", update.Key()).Msg("Removed user from cache")
	case jetstream.KeyValuePut:
		record, err := models.DecodeRecord(update.Value())
		if err != nil {
			// Never fatal: one bad entry must not take the watcher down.
			s.log.Error().Err(err).Str("user", update.Key()).Msg("Unable to decode entry received from store")

			return
		}

		s.mu.Lock()
		s.cache[update.Key()] = record
		metrics.UsersTotal.Set(float64(len(s.cache)))
		s.mu.Unlock()

		s.log.Debug().Str("user", update.Key()).Msg("Updated user in cache")
	}
}
