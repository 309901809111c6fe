package logger

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock implementing Logger.
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// AllowAll registers permissive expectations for every level, so tests only
// need to assert the calls they care about.
func (m *MockLogger) AllowAll() *MockLogger {
	for _, method := range []string{"Debug", "Info", "Warn", "Error"} {
		m.On(method, mock.Anything, mock.Anything).Maybe()
	}
	m.On("Level").Return(InfoLevel).Maybe()

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level Level) {
	m.Called(level)
}

func (m *MockLogger) Level() Level {
	args := m.Called()
	return args.Get(0).(Level)
}

// With returns the mock itself so expectations keep applying to child loggers.
func (m *MockLogger) With(_ ...any) Logger {
	return m
}
