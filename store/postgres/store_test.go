package postgres

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-workflow-orchestrator/core"
)

func TestListMigrationFiles(t *testing.T) {
	f := fstest.MapFS{
		"zzz.txt":              {Data: []byte("ignore")},
		"0002_indexes.sql":     {Data: []byte("--")},
		"0001_init.sql":        {Data: []byte("--")},
		"subdir/0003_more.sql": {Data: []byte("--")},
	}

	got, err := listMigrationFiles(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql", "0002_indexes.sql"}, got)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := listMigrationFiles(mustSub(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql", "0002_indexes.sql"}, files)
}

func mustSub(t *testing.T) fs.FS {
	t.Helper()
	sub, err := fs.Sub(migrationFiles, "migrations")
	require.NoError(t, err)
	return sub
}

func TestBuildListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	query, args := buildListQuery(core.RecordFilter{})
	assert.Equal(t, "SELECT id, kind, schedule_id, workflow_id, recorded_at, payload FROM orchestration_records ORDER BY seq ASC", query)
	assert.Empty(t, args)

	query, args = buildListQuery(core.RecordFilter{
		Kind:       core.RecordTransition,
		ScheduleID: "s1",
		Since:      since,
		Limit:      10,
		Offset:     5,
	})
	assert.Equal(t, "SELECT id, kind, schedule_id, workflow_id, recorded_at, payload FROM orchestration_records"+
		" WHERE kind = $1 AND schedule_id = $2 AND recorded_at >= $3 ORDER BY seq ASC LIMIT $4 OFFSET $5", query)
	assert.Equal(t, []any{"transition", "s1", since, 10, 5}, args)
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("ORCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set ORCH_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx := context.Background()
	store, err := Open(ctx, dsn, Options{MaxOpenConns: 4})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(ctx))

	scheduleID := "sched-it-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i, kind := range []core.RecordKind{core.RecordDecision, core.RecordTransition, core.RecordAllocationOpen} {
		require.NoError(t, store.Append(ctx, core.Record{
			ID:         uuid.NewString(),
			Kind:       kind,
			ScheduleID: scheduleID,
			Timestamp:  now.Add(time.Duration(i) * time.Second),
			Payload:    []byte(`{"n":1}`),
		}))
	}

	all, err := store.ListRecords(ctx, core.RecordFilter{ScheduleID: scheduleID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, core.RecordDecision, all[0].Kind)
	assert.Equal(t, `{"n":1}`, string(all[0].Payload))

	transitions, err := store.ListRecords(ctx, core.RecordFilter{ScheduleID: scheduleID, Kind: core.RecordTransition})
	require.NoError(t, err)
	require.Len(t, transitions, 1)

	paged, err := store.ListRecords(ctx, core.RecordFilter{ScheduleID: scheduleID, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, core.RecordTransition, paged[0].Kind)

	err = store.Append(ctx, core.Record{ID: all[0].ID, Kind: core.RecordDecision, Payload: []byte(`{}`)})
	assert.Error(t, err, "duplicate id must fail")
}
