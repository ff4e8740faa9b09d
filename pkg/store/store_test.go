package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/privacy-extensions/privext/pkg/config"
	"github.com/privacy-extensions/privext/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundle = `{"har":{"entries":[` +
	`{"request":{"url":"https://example.com/"},"response":{"status":200}},` +
	`{"request":{"url":"https://cdn.example.com/app.js"},"response":{"status":200}}` +
	`],"pages":[{"id":"page_1","pageTimings":{"onContentLoad":800.5,"onLoad":1234.5}}]},` +
	`"perf":{"cpu-clock":100}}`

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T, path string) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: path, Table: "results"},
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.EnsureSchema(context.Background()))

	t.Cleanup(func() {
		_ = s.Stop()
	})

	return s
}

func strPtr(s string) *string {
	return &s
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ":memory:")

	_, err := s.Insert(ctx, &store.NewRecord{Domain: "a", HAR: json.RawMessage(bundle)})
	require.NoError(t, err)

	before, err := s.GetResourceCounts(ctx, nil)
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, s.EnsureSchema(ctx))

	after, err := s.GetResourceCounts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInsertAndGetHARs(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ":memory:")
	exp := uuid.New()

	okID, err := s.Insert(ctx, &store.NewRecord{
		Experiment: exp,
		Browser:    "firefox",
		Extensions: "ublock_origin",
		Domain:     "example.com",
		HAR:        json.RawMessage(bundle),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, okID)

	errID, err := s.Insert(ctx, &store.NewRecord{
		Experiment: exp,
		Browser:    "firefox",
		Extensions: "ublock_origin",
		Domain:     "other.org",
		HARError:   strPtr("page did not finish"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, okID, errID)

	_, err = s.Insert(ctx, &store.NewRecord{
		Experiment: exp,
		Browser:    "firefox",
		Extensions: "",
		Domain:     "example.com",
		HAR:        json.RawMessage(bundle),
	})
	require.NoError(t, err)

	recs, err := s.GetHARs(ctx, "ublock_origin", []string{"example.com", "other.org"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byDomain := make(map[string]store.Record, len(recs))
	for _, r := range recs {
		byDomain[r.Domain] = r
	}

	ok := byDomain["example.com"]
	assert.Equal(t, okID, ok.HARUUID)
	assert.Equal(t, exp, ok.Experiment)
	assert.Equal(t, "firefox", ok.Browser)
	assert.JSONEq(t, bundle, string(ok.HAR))
	assert.Nil(t, ok.HARError)
	assert.False(t, ok.InsertionTime.IsZero())

	failed := byDomain["other.org"]
	assert.Equal(t, errID, failed.HARUUID)
	assert.Nil(t, failed.HAR)
	require.NotNil(t, failed.HARError)
	assert.Equal(t, "page did not finish", *failed.HARError)
}

func TestInsertRequiresExactlyOneOutcome(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ":memory:")

	tests := []struct {
		name string
		rec  *store.NewRecord
	}{
		{name: "neither", rec: &store.NewRecord{Domain: "a"}},
		{
			name: "both",
			rec: &store.NewRecord{
				Domain:   "a",
				HAR:      json.RawMessage(`{}`),
				HARError: strPtr("x"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.Insert(ctx, tt.rec)
			require.Error(t, err)
			assert.Equal(t, uuid.Nil, id)
		})
	}
}

func TestRepeatedInsertsProduceDistinctRows(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ":memory:")

	rec := &store.NewRecord{
		Experiment: uuid.New(),
		Browser:    "chrome",
		Domain:     "example.com",
		HAR:        json.RawMessage(bundle),
	}

	a, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	b, err := s.Insert(ctx, rec)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	recs, err := s.GetHARs(ctx, "", []string{"example.com"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ":memory:")

	expA, expB := uuid.New(), uuid.New()

	idA, err := s.Insert(ctx, &store.NewRecord{
		Experiment: expA, Browser: "firefox", Extensions: "", Domain: "example.com",
		HAR: json.RawMessage(bundle),
	})
	require.NoError(t, err)

	_, err = s.Insert(ctx, &store.NewRecord{
		Experiment: expB, Browser: "firefox", Extensions: "", Domain: "example.com",
		HAR: json.RawMessage(bundle),
	})
	require.NoError(t, err)

	_, err = s.Insert(ctx, &store.NewRecord{
		Experiment: expA, Browser: "firefox", Extensions: "", Domain: "broken.net",
		HARError: strPtr("trace contains no entries"),
	})
	require.NoError(t, err)

	t.Run("resources", func(t *testing.T) {
		rows, err := s.GetResources(ctx, []string{"example.com", "broken.net"}, []uuid.UUID{expA})
		require.NoError(t, err)
		require.Len(t, rows, 2)

		urls := []string{*rows[0].URL, *rows[1].URL}
		assert.ElementsMatch(t, []string{"https://example.com/", "https://cdn.example.com/app.js"}, urls)

		for _, r := range rows {
			assert.Equal(t, idA, r.HARUUID)
			assert.Equal(t, expA, r.Experiment)
		}
	})

	t.Run("resources without experiment filter", func(t *testing.T) {
		rows, err := s.GetResources(ctx, []string{"example.com"}, nil)
		require.NoError(t, err)
		assert.Len(t, rows, 4)
	})

	t.Run("resource counts", func(t *testing.T) {
		rows, err := s.GetResourceCounts(ctx, []uuid.UUID{expA})
		require.NoError(t, err)
		require.Len(t, rows, 2)

		for _, r := range rows {
			switch r.Domain {
			case "example.com":
				require.NotNil(t, r.Resources)
				assert.Equal(t, int64(2), *r.Resources)
				require.NotNil(t, r.PageLoad)
				assert.InDelta(t, 1234.5, *r.PageLoad, 0.001)
			case "broken.net":
				assert.Nil(t, r.Resources)
				assert.Nil(t, r.PageLoad)
			default:
				t.Fatalf("unexpected domain %s", r.Domain)
			}
		}

		all, err := s.GetResourceCounts(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("pageloads", func(t *testing.T) {
		rows, err := s.GetPageloads(ctx, []string{"example.com"}, []uuid.UUID{expA, expB})
		require.NoError(t, err)
		require.Len(t, rows, 2)

		for _, r := range rows {
			require.NotNil(t, r.PageLoad)
			assert.InDelta(t, 1234.5, *r.PageLoad, 0.001)
		}
	})
}

func TestDropSchema(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ":memory:")

	require.NoError(t, s.DropSchema(ctx))
	// Dropping a missing table is logged, not returned.
	require.NoError(t, s.DropSchema(ctx))

	_, err := s.Insert(ctx, &store.NewRecord{Domain: "a", HARError: strPtr("x")})
	require.Error(t, err)

	require.NoError(t, s.EnsureSchema(ctx))

	_, err = s.Insert(ctx, &store.NewRecord{Domain: "a", HARError: strPtr("x")})
	require.NoError(t, err)
}

func TestInsertReconnects(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, filepath.Join(t.TempDir(), "results.db"))

	// Closing the pool simulates a dropped connection.
	require.NoError(t, s.Stop())

	_, err := s.Insert(ctx, &store.NewRecord{Domain: "a", HARError: strPtr("x")})
	require.NoError(t, err)

	recs, err := s.GetHARs(ctx, "", []string{"a"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNotStarted(t *testing.T) {
	ctx := context.Background()
	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:", Table: "results"},
	})

	_, err := s.Insert(ctx, &store.NewRecord{Domain: "a", HARError: strPtr("x")})
	require.ErrorIs(t, err, store.ErrNotStarted)

	require.ErrorIs(t, s.EnsureSchema(ctx), store.ErrNotStarted)

	_, err = s.GetHARs(ctx, "", nil)
	require.ErrorIs(t, err, store.ErrNotStarted)

	require.NoError(t, s.Stop())
}

func TestUnsupportedDriver(t *testing.T) {
	s := store.NewStore(testLogger(), &config.DatabaseConfig{Driver: "mysql"})

	require.Error(t, s.Start(context.Background()))
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, filepath.Join(t.TempDir(), "results.db"))

	require.NoError(t, s.Ping(ctx))

	// Ping reopens a closed pool.
	require.NoError(t, s.Stop())
	require.NoError(t, s.Ping(ctx))
}

func TestConcurrentReconnect(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, filepath.Join(t.TempDir(), "results.db"))

	_, err := s.Insert(ctx, &store.NewRecord{Domain: "a", HAR: json.RawMessage(bundle)})
	require.NoError(t, err)

	// Every caller below finds the pool closed.
	require.NoError(t, s.Stop())

	var wg sync.WaitGroup

	errs := make(chan error, 12)

	for range 4 {
		wg.Add(3)

		go func() {
			defer wg.Done()

			errs <- s.Ping(ctx)
		}()

		go func() {
			defer wg.Done()

			_, err := s.Insert(ctx, &store.NewRecord{Domain: "a", HARError: strPtr("x")})
			errs <- err
		}()

		go func() {
			defer wg.Done()

			// Reads do not reconnect themselves; they must only see a
			// consistent pool.
			_, _ = s.GetHARs(ctx, "", []string{"a"})
			errs <- nil
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := s.GetHARs(ctx, "", []string{"a"})
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}
