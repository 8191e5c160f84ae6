package mocks

import "github.com/stretchr/testify/mock"

// Controller mocks the sysproc.Controller interface
type Controller struct {
	mock.Mock
}

// Alive mock
func (m *Controller) Alive(pid int) bool {
	args := m.Called(pid)
	return args.Bool(0)
}

// Terminate mock
func (m *Controller) Terminate(pid int) error {
	args := m.Called(pid)
	return args.Error(0)
}

// Kill mock
func (m *Controller) Kill(pid int) error {
	args := m.Called(pid)
	return args.Error(0)
}

// TerminateGroup mock
func (m *Controller) TerminateGroup(pid int) error {
	args := m.Called(pid)
	return args.Error(0)
}

// KillGroup mock
func (m *Controller) KillGroup(pid int) error {
	args := m.Called(pid)
	return args.Error(0)
}

// FindByPattern mock
func (m *Controller) FindByPattern(pattern string) ([]int, error) {
	args := m.Called(pattern)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}
