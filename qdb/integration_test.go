package qdb_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/qdb"
	"github.com/stretchr/testify/require"
)

// These tests need live backends and are skipped unless
// TXSEQ_TEST_PG_DSN / TXSEQ_TEST_ETCD_ADDR are set.

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestSQLQDBSemantics(t *testing.T) {
	dsn := os.Getenv("TXSEQ_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TXSEQ_TEST_PG_DSN is not set")
	}

	for _, driver := range []string{config.DriverPostgres, config.DriverPgx} {
		t.Run(driver, func(t *testing.T) {
			store, err := qdb.NewSQLQDB(context.Background(), driver, dsn, "txseq_test_sequences")
			require.NoError(t, err)
			defer store.Close()

			checkStoreSemantics(t, store, uniqueName(driver))
		})
	}
}

func TestEtcdQDBSemantics(t *testing.T) {
	addr := os.Getenv("TXSEQ_TEST_ETCD_ADDR")
	if addr == "" {
		t.Skip("TXSEQ_TEST_ETCD_ADDR is not set")
	}

	store, err := qdb.NewEtcdQDB(addr)
	require.NoError(t, err)
	defer store.Close()

	checkStoreSemantics(t, store, uniqueName("etcd"))
}
