package dnssd

import (
	"context"
	"sync"
)

var (
	defaultMu      sync.Mutex
	defaultSession *Session
	defaultDone    chan struct{}
)

// Setup creates the process wide session and runs its event loop in the
// background. It fails with ErrBadState when called again before Teardown.
func Setup(opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession != nil {
		return errorf(KindBadState, "setup", "default session already set up")
	}
	s, err := NewSession(opts...)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(context.Background()); err != nil {
			s.log.WithError(err).Error("event loop stopped")
		}
	}()
	defaultSession, defaultDone = s, done
	return nil
}

// Default returns the session created by Setup.
func Default() (*Session, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession == nil {
		return nil, errorf(KindNotInitialized, "default", "Setup has not been called")
	}
	return defaultSession, nil
}

// Teardown closes the process wide session and waits for its event loop to
// exit. It is a no-op when nothing is set up.
func Teardown() error {
	defaultMu.Lock()
	s, done := defaultSession, defaultDone
	defaultSession, defaultDone = nil, nil
	defaultMu.Unlock()
	if s == nil {
		return nil
	}
	err := s.Close()
	<-done
	return err
}
