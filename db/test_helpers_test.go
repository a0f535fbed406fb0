package db

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailfilter/config"
	"github.com/stretchr/testify/require"
)

const testDatabaseEnv = "MAILFILTER_TEST_DATABASE_URL"

// setupTestDatabase connects to the database named by
// MAILFILTER_TEST_DATABASE_URL, migrates it and gives every test its own
// account id. Tests are skipped when the variable is not set.
func setupTestDatabase(t *testing.T) (*Database, string) {
	t.Helper()

	url := os.Getenv(testDatabaseEnv)
	if url == "" {
		t.Skipf("%s not set, skipping database test", testDatabaseEnv)
	}

	cc, err := pgx.ParseConfig(url)
	require.NoError(t, err)

	cfg := &config.DatabaseConfig{
		Hosts:       []string{cc.Host},
		Port:        strconv.Itoa(int(cc.Port)),
		User:        cc.User,
		Password:    cc.Password,
		Name:        cc.Database,
		AutoMigrate: true,
	}

	ctx := context.Background()
	database, err := NewDatabaseFromConfig(ctx, cfg)
	require.NoError(t, err, "failed to connect to the test database")

	account := fmt.Sprintf("test-%s-%d", t.Name(), os.Getpid())
	t.Cleanup(func() {
		_, _ = database.Pool.Exec(ctx, `DELETE FROM filters WHERE account_id = $1`, account)
		_, _ = database.Pool.Exec(ctx, `DELETE FROM mdn_responses WHERE account_id = $1`, account)
		database.Close()
	})
	return database, account
}
