package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAfterCommit_IsolatesTasks(t *testing.T) {
	effects := NewAfterCommit(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var ran []string
	effects.Add("first", func(context.Context) error {
		ran = append(ran, "first")
		return errors.New("boom")
	})
	effects.Add("second", func(context.Context) error {
		ran = append(ran, "second")
		panic("unexpected")
	})
	effects.Add("third", func(ctx context.Context) error {
		ran = append(ran, "third")
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failed := effects.Run(ctx)
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestCallerFromContext(t *testing.T) {
	assert.Equal(t, SystemCaller, CallerFromContext(context.Background()).Subject)

	ctx := WithCaller(context.Background(), Caller{Subject: "admin:ops", Role: "admin"})
	assert.Equal(t, Caller{Subject: "admin:ops", Role: "admin"}, CallerFromContext(ctx))
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, CodeOrderNotFound, codeFor(ErrOrderNotFound))
	assert.Equal(t, CodeInvalidState, codeFor(errors.Join(errors.New("x"), ErrInvalidState)))
	assert.Equal(t, CodeInternal, codeFor(errors.New("connection reset")))
	assert.Equal(t, "internal error", publicMessage(errors.New("pq: relation missing")))
	assert.Equal(t, "order not found", publicMessage(ErrOrderNotFound))
}
