package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPostgresPoolRejectsMalformedDSN(t *testing.T) {
	for _, dsn := range []string{"://bad", "postgres://host:notaport/db"} {
		_, err := NewPostgresPool(context.Background(), dsn, zap.NewNop())
		require.Error(t, err, "dsn %q must be rejected before dialing", dsn)
	}
}
