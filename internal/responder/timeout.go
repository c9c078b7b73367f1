package responder

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
)

type timeoutResponder struct {
	next    ports.Responder
	timeout time.Duration
}

// WithTimeout bounds every Generate call. Expiry and backend failures are
// reported as domain.ErrResponderUnavailable; a non-positive timeout only
// normalizes errors.
func WithTimeout(next ports.Responder, timeout time.Duration) ports.Responder {
	return &timeoutResponder{next: next, timeout: timeout}
}

func (r *timeoutResponder) Generate(ctx context.Context, prompt *domain.Prompt) (*domain.Reply, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		reply *domain.Reply
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := r.next.Generate(ctx, prompt)
		done <- outcome{reply, err}
	}()

	// Backends that ignore ctx must not hold the turn past the deadline.
	select {
	case <-ctx.Done():
		return nil, domain.ResponderUnavailable(domain.CodeResponderTimeout, ctx.Err())
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, domain.ErrResponderUnavailable) {
				return nil, out.err
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, domain.ResponderUnavailable(domain.CodeResponderTimeout, out.err)
			}
			return nil, domain.ResponderUnavailable("", out.err)
		}
		if out.reply == nil {
			return nil, domain.ResponderUnavailable(domain.CodeMalformedResult, errors.New("nil reply"))
		}
		return out.reply, nil
	}
}
