// Package mocks provides testify mocks for supervisor dependencies
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/umputun/trainn/app/store"
)

// Store mocks the supervisor.Store interface
type Store struct {
	mock.Mock
}

// Get mock
func (m *Store) Get(ctx context.Context, id string) (store.Job, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(store.Job), args.Error(1)
}

// ListActive mock
func (m *Store) ListActive(ctx context.Context) ([]store.Job, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Job), args.Error(1)
}

// SetPID mock
func (m *Store) SetPID(ctx context.Context, id string, pid int) error {
	args := m.Called(ctx, id, pid)
	return args.Error(0)
}

// SetTokenHash mock
func (m *Store) SetTokenHash(ctx context.Context, id, hash string) error {
	args := m.Called(ctx, id, hash)
	return args.Error(0)
}

// SetStatus mock
func (m *Store) SetStatus(ctx context.Context, id string, status store.Status, errMsg string) error {
	args := m.Called(ctx, id, status, errMsg)
	return args.Error(0)
}
