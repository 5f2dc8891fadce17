package capture

import "context"

// MockDevice emits silence, for development without a microphone.
type MockDevice struct{}

func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

func (d *MockDevice) Open(_ context.Context, _ DeviceConfig) (DeviceSession, error) {
	return &mockSession{}, nil
}

type mockSession struct{}

func (s *mockSession) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (s *mockSession) Close() error { return nil }
