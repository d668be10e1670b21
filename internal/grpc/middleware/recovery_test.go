package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

func TestUnaryRecoveryInterceptor(t *testing.T) {
	t.Parallel()

	interceptor := UnaryRecoveryInterceptor(observability.NopLogger())

	resp, err := interceptor(context.Background(), nil, testInfo, func(context.Context, interface{}) (interface{}, error) {
		panic("signer exploded")
	})
	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err = interceptor(context.Background(), nil, testInfo, func(context.Context, interface{}) (interface{}, error) {
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
