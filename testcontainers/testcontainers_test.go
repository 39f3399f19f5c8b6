package testcontainers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainersProvisionSchema(t *testing.T) {
	WithTestContext(t, func(tc *TestContext) {
		ctx := tc.Context()

		require.NoError(t, tc.Redis.Ping(ctx).Err())

		const insert = `INSERT INTO user_tokens (user_id, tokens) VALUES ($1, $2)`
		_, err := tc.DB.ExecContext(ctx, insert, "user-1", 48)
		require.NoError(t, err)

		var tokens int
		const query = `SELECT tokens FROM user_tokens WHERE user_id = $1`
		require.NoError(t, tc.DB.QueryRowContext(ctx, query, "user-1").Scan(&tokens))
		require.Equal(t, 48, tokens)

		var cost string
		const cfg = `SELECT value FROM system_config WHERE key = 'petition_token_cost'`
		require.NoError(t, tc.DB.QueryRowContext(ctx, cfg).Scan(&cost))
		require.Equal(t, "16", cost)
	})
}
