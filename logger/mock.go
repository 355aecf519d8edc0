package logger

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// Record is one log call seen by a MockLogger.
type Record struct {
	Level         Level
	Msg           string
	KeysAndValues []any
}

// MockLogger records log calls through testify/mock so tests can assert on them, and keeps
// a plain Record list for assertions on message order and fields.
//
// The key/values reach Called as a single slice argument, so an expectation takes one
// matcher for the message and one for the key/values, e.g. m.On("Warn", "msg", mock.Anything).
type MockLogger struct {
	mock.Mock

	mu      sync.Mutex
	records []Record
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// NewNopMockLogger returns a MockLogger that accepts any call. Level reports DebugLevel and
// With returns the mock itself, so records of child loggers land on the parent.
func NewNopMockLogger() *MockLogger {
	m := &MockLogger{}
	for _, method := range []string{"Debug", "Info", "Warn", "Error", "Fatal"} {
		m.On(method, mock.Anything, mock.Anything).Return()
	}
	m.On("SetLevel", mock.Anything).Return()
	m.On("Level").Return(DebugLevel)
	m.On("With", mock.Anything).Return(m)

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record(DebugLevel, msg, keysAndValues)
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record(InfoLevel, msg, keysAndValues)
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record(WarnLevel, msg, keysAndValues)
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record(ErrorLevel, msg, keysAndValues)
	m.Called(msg, keysAndValues)
}

// Fatal records and returns; it never exits.
func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.record(FatalLevel, msg, keysAndValues)
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level Level) {
	m.Called(level)
}

func (m *MockLogger) Level() Level {
	args := m.Called()
	return args.Get(0).(Level)
}

func (m *MockLogger) With(keyValues ...any) Logger {
	args := m.Called(keyValues)
	return args.Get(0).(Logger)
}

// Records returns a copy of the log calls seen so far.
func (m *MockLogger) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Record(nil), m.records...)
}

// Messages returns the messages logged at level, in call order.
func (m *MockLogger) Messages(level Level) []string {
	var msgs []string
	for _, r := range m.Records() {
		if r.Level == level {
			msgs = append(msgs, r.Msg)
		}
	}

	return msgs
}

func (m *MockLogger) record(level Level, msg string, keysAndValues []any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, Record{Level: level, Msg: msg, KeysAndValues: keysAndValues})
}
