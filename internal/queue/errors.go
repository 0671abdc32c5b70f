package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/captionq/internal/domain"
)

// unavailableReplies are server replies that mean the broker cannot serve
// requests right now.
var unavailableReplies = []string{"LOADING", "MASTERDOWN", "READONLY", "CLUSTERDOWN", "TRYAGAIN"}

// IsConnectionError reports whether err means the broker is unreachable or
// not serving, as opposed to a logical error such as a missing key.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, domain.ErrBrokerUnavailable) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range unavailableReplies {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
	}
	return false
}

// brokerErr wraps err for op, converting connection failures into
// *domain.BrokerUnavailableError.
func brokerErr(op string, err error) error {
	if IsConnectionError(err) {
		return domain.NewBrokerUnavailableError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
