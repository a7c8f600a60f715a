package callkit

import (
	"errors"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

type SessionOption = func(*Session) error

// WithRingTimeout bounds how long an attempt may stay in connecting or
// ringing before it fails with ErrCallTimeout. Zero disables the deadline.
func WithRingTimeout(timeout time.Duration) SessionOption {
	return func(session *Session) error {
		if timeout < 0 {
			return errors.New("ring timeout must not be negative")
		}

		session.ringTimeout = timeout
		return nil
	}
}

// WithConnectionFactory replaces the default pion-backed factory. Tests use
// this to substitute fake connections.
func WithConnectionFactory(factory ConnectionFactory) SessionOption {
	return func(session *Session) error {
		if factory == nil {
			return errors.New("connection factory must not be nil")
		}

		session.connect = factory
		return nil
	}
}

// WithRTCConfiguration sets the ICE server configuration used by the
// default connection factory. Ignored when WithConnectionFactory is set.
func WithRTCConfiguration(config webrtc.Configuration) SessionOption {
	return func(session *Session) error {
		session.rtcConfig = &config
		return nil
	}
}

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(session *Session) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}

		session.logger = logger
		return nil
	}
}

// WithQualityInterval sets how often the quality monitor samples an active
// call. Zero disables monitoring.
func WithQualityInterval(interval time.Duration) SessionOption {
	return func(session *Session) error {
		if interval < 0 {
			return errors.New("quality interval must not be negative")
		}

		session.statsInterval = interval
		return nil
	}
}
