// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements ConversationStore and CrashAuditStore on a single
// BadgerDB instance.
//
// Key layout:
//
//	conv/<conversation_id>/<rfc3339nano> -> Turn (JSON)
//	crash/<model_id>/<rfc3339nano>       -> CrashEvent (JSON)
//
// The timestamp suffix gives lexicographic iteration in chronological
// order for free.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// Config holds configuration for the embedded database.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is
	// true; required otherwise.
	Path string

	// InMemory enables in-memory mode for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging; nil disables it.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates and opens the store.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// OpenInMemory opens a throwaway in-memory store for testing.
func OpenInMemory() (*BadgerStore, error) {
	return Open(Config{InMemory: true})
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func turnKey(conversationID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("conv/%s/%s", conversationID, at.UTC().Format(time.RFC3339Nano)))
}

func crashKey(modelID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("crash/%s/%s", modelID, at.UTC().Format(time.RFC3339Nano)))
}

// AppendTurn persists one conversation turn.
func (s *BadgerStore) AppendTurn(_ context.Context, turn Turn) error {
	if turn.ConversationID == "" {
		return errors.New("turn requires a conversation id")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	value, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(turnKey(turn.ConversationID, turn.CreatedAt), value)
	})
}

// History returns the newest limit turns in chronological order.
func (s *BadgerStore) History(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	prefix := []byte("conv/" + conversationID + "/")
	var turns []Turn
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var turn Turn
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return fmt.Errorf("decode turn %s: %w", it.Item().Key(), err)
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// DeleteConversation removes every turn of a conversation.
func (s *BadgerStore) DeleteConversation(_ context.Context, conversationID string) error {
	prefix := []byte("conv/" + conversationID + "/")
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordCrash persists one crash event.
func (s *BadgerStore) RecordCrash(_ context.Context, event CrashEvent) error {
	if event.ModelID == "" {
		return errors.New("crash event requires a model id")
	}
	if event.CrashedAt.IsZero() {
		event.CrashedAt = s.now()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal crash event: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(crashKey(event.ModelID, event.CrashedAt), value)
	})
}

// CrashHistory returns the newest limit crash events for a model in
// chronological order.
func (s *BadgerStore) CrashHistory(_ context.Context, modelID string, limit int) ([]CrashEvent, error) {
	prefix := []byte("crash/" + modelID + "/")
	var events []CrashEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var event CrashEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return fmt.Errorf("decode crash event %s: %w", it.Item().Key(), err)
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
