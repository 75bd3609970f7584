package grpcclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/smile-check/internal/landmarks"
	"github.com/example/smile-check/internal/logging"
)

// ReadinessProbe retries an oracle's Ready check at startup.
type ReadinessProbe struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// NewReadinessProbe returns a probe with the default backoff schedule.
func NewReadinessProbe(attempts int, logger *zap.Logger) *ReadinessProbe {
	return &ReadinessProbe{
		Attempts:       attempts,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Logger:         logger.Named("readiness"),
	}
}

// Wait returns nil once the oracle reports ready. Non-transient failures and
// exhausted attempts are returned as an OperationError.
func (p *ReadinessProbe) Wait(ctx context.Context, oracle landmarks.Oracle) error {
	const operation = "grpcclient.wait_ready"
	opLogger := logging.WithOperation(p.Logger, operation, "")

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		err = oracle.Ready(ctx)
		if err == nil {
			if attempt > 0 {
				opLogger.Info("landmark service ready after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("landmark service readiness failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, "", err)
		}

		opLogger.Warn("landmark service not ready yet", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotServing) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
	}

	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
