package db

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	require.NoError(t, err)
	var ups, downs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, 2, ups)
	assert.Equal(t, ups, downs, "every migration needs a down file")
}

func TestPragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")

	var tempStore int
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore, "MEMORY")
}

func TestMigrateUpDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(Migrations()))
	v, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)

	// Already current.
	require.NoError(t, db.MigrateUp(Migrations()))

	require.NoError(t, db.MigrateDown(Migrations()))
	v, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'serial_profiles'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateForce(Migrations(), 2))
	v, dirty, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordTransfer(isp.TransferRecord{ID: "a", Kind: isp.KindBulk, Result: isp.ResultSuccess, Started: time.Now()}))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	rec, err := db.Transfer("a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, path, db.Path())
}

func TestRecordTransfer(t *testing.T) {
	db := setupTestDB(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	want := isp.TransferRecord{
		ID:         "0f3a6c1e-2b7d-4d7e-9d6a-1a2b3c4d5e6f",
		Kind:       isp.KindBulk,
		Command:    isp.CmdRxData,
		Subcommand: 0x10,
		Declared:   2500,
		Moved:      1000,
		Result:     isp.ResultFailed,
		Started:    started,
		Duration:   1500 * time.Millisecond,
		Error:      "nack for seq 3: sequence mismatch",
	}
	require.NoError(t, db.RecordTransfer(want))

	got, err := db.Transfer(want.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, *got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("Transfer() mismatch (-want +got):\n%s", diff)
	}

	missing, err := db.Transfer("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Duplicate ids are rejected.
	assert.Error(t, db.RecordTransfer(want))
}

func TestRecordTransferAssignsID(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.RecordTransfer(isp.TransferRecord{Kind: isp.KindControl, Result: isp.ResultNoResponse, Started: time.Now()}))
	recs, err := db.RecentTransfers("", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].ID, 36)
}

func TestRecentTransfers(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now()
	for i, kind := range []string{isp.KindBulk, isp.KindControl, isp.KindBulk, isp.KindBulk} {
		require.NoError(t, db.RecordTransfer(isp.TransferRecord{
			Kind:    kind,
			Result:  isp.ResultSuccess,
			Started: base.Add(time.Duration(i) * time.Second),
			Moved:   i,
		}))
	}

	all, err := db.RecentTransfers("", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, 3, all[0].Moved, "newest first")

	bulk, err := db.RecentTransfers(isp.KindBulk, 2)
	require.NoError(t, err)
	require.Len(t, bulk, 2)
	assert.Equal(t, []int{3, 2}, []int{bulk[0].Moved, bulk[1].Moved})

	ctl, err := db.RecentTransfers(isp.KindControl, 10)
	require.NoError(t, err)
	require.Len(t, ctl, 1)
	assert.Equal(t, 1, ctl[0].Moved)

	n, err := db.PruneTransfers(base.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	all, err = db.RecentTransfers("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	add := func(res isp.Result, moved int, d time.Duration, kind string) {
		require.NoError(t, db.RecordTransfer(isp.TransferRecord{
			Kind: kind, Result: res, Moved: moved, Duration: d, Started: now,
		}))
	}
	add(isp.ResultSuccess, 1000, time.Second, isp.KindBulk)
	add(isp.ResultSuccess, 3000, time.Second, isp.KindBulk)
	add(isp.ResultSuccess, 2000, time.Second, isp.KindBulk)
	add(isp.ResultFailed, 500, time.Second, isp.KindBulk)
	add(isp.ResultNoResponse, 0, time.Second, isp.KindBulk)
	add(isp.ResultSuccess, 8, time.Millisecond, isp.KindControl)

	st, err := db.Stats(time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, st.Count)
	assert.Equal(t, 3, st.Successes)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, 1, st.NoResponse)
	assert.Equal(t, int64(6500), st.BytesMoved)
	assert.InDelta(t, 2000, st.MeanBps, 1e-9)
	assert.InDelta(t, 1000, st.StdDevBps, 1e-9)
	assert.InDelta(t, 3000, st.P95Bps, 1e-9)
	assert.InDelta(t, 1, st.MeanDuration, 1e-9)

	st, err = db.Stats(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, st.Count)
	assert.Zero(t, st.MeanBps)
}

func TestStatsSingleSample(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.RecordTransfer(isp.TransferRecord{
		Kind: isp.KindBulk, Result: isp.ResultSuccess, Moved: 512, Duration: 500 * time.Millisecond, Started: time.Now(),
	}))
	st, err := db.Stats(time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 1024, st.MeanBps, 1e-9)
	assert.Zero(t, st.StdDevBps)

	// The result must stay JSON encodable.
	_, err = json.Marshal(st)
	assert.NoError(t, err)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.RecordTransfer(isp.TransferRecord{Kind: isp.KindBulk, Result: isp.ResultSuccess, Started: time.Now()}))

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	for _, endpoint := range []string{"/debug/db-stats", "/debug/backup", "/debug/tailsql/"} {
		t.Run(endpoint, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, endpoint, nil))
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}

	t.Run("remote is forbidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/db-stats", nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("db-stats", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/db-stats"))
		require.Equal(t, http.StatusOK, w.Code)

		var st DatabaseStats
		require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
		assert.Equal(t, uint(2), st.SchemaVersion)
		counts := map[string]int64{}
		for _, tbl := range st.Tables {
			counts[tbl.Name] = tbl.Rows
		}
		assert.Equal(t, int64(1), counts["transfers"])
		assert.Contains(t, counts, "serial_profiles")
	})

	t.Run("backup", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/backup"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

		gz, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
	})
}
