package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ispflash/internal/isp"
)

var _ isp.Recorder = (*DB)(nil)

// RecordTransfer stores one finished operation. It implements isp.Recorder.
// A record without an id gets a fresh one.
func (db *DB) RecordTransfer(rec isp.TransferRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := db.Exec(
		`INSERT INTO transfers (
			id, kind, command, subcommand, declared, moved, result,
			started_unix_nanos, duration_nanos, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, int(rec.Command), int(rec.Subcommand), rec.Declared, rec.Moved,
		rec.Result.String(), rec.Started.UnixNano(), int64(rec.Duration), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record transfer %s: %w", rec.ID, err)
	}
	return nil
}

const transferColumns = `id, kind, command, subcommand, declared, moved, result,
	started_unix_nanos, duration_nanos, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (isp.TransferRecord, error) {
	var (
		rec                 isp.TransferRecord
		command, subcommand int
		result              string
		started, duration   int64
	)
	if err := row.Scan(&rec.ID, &rec.Kind, &command, &subcommand, &rec.Declared, &rec.Moved,
		&result, &started, &duration, &rec.Error); err != nil {
		return rec, err
	}
	res, err := isp.ParseResult(result)
	if err != nil {
		return rec, fmt.Errorf("transfer %s: %w", rec.ID, err)
	}
	rec.Command = byte(command)
	rec.Subcommand = byte(subcommand)
	rec.Result = res
	rec.Started = time.Unix(0, started)
	rec.Duration = time.Duration(duration)
	return rec, nil
}

// RecentTransfers returns up to limit records, newest first. kind filters
// by isp.KindBulk or isp.KindControl when non-empty.
func (db *DB) RecentTransfers(kind string, limit int) ([]isp.TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY started_unix_nanos DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []isp.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transfer returns one record by id, or nil if there is none.
func (db *DB) Transfer(id string) (*isp.TransferRecord, error) {
	rec, err := scanTransfer(db.QueryRow(`SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return &rec, nil
}

// TransferStats summarises bulk transfer outcomes. Throughput figures cover
// successful transfers only, in bytes per second.
type TransferStats struct {
	Count        int     `json:"count"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	NoResponse   int     `json:"no_response"`
	BytesMoved   int64   `json:"bytes_moved"`
	MeanBps      float64 `json:"mean_bps"`
	StdDevBps    float64 `json:"stddev_bps"`
	P95Bps       float64 `json:"p95_bps"`
	MeanDuration float64 `json:"mean_duration_seconds"`
}

// Stats computes TransferStats over bulk transfers started at or after since.
// A zero since covers all history.
func (db *DB) Stats(since time.Time) (TransferStats, error) {
	var st TransferStats
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := db.Query(
		`SELECT result, moved, duration_nanos FROM transfers
		 WHERE kind = ? AND started_unix_nanos >= ?`, isp.KindBulk, from)
	if err != nil {
		return st, fmt.Errorf("failed to query transfer stats: %w", err)
	}
	defer rows.Close()

	var rates, durations []float64
	for rows.Next() {
		var (
			result   string
			moved    int64
			duration int64
		)
		if err := rows.Scan(&result, &moved, &duration); err != nil {
			return st, fmt.Errorf("failed to scan transfer stats: %w", err)
		}
		st.Count++
		st.BytesMoved += moved
		switch result {
		case isp.ResultSuccess.String():
			st.Successes++
			if secs := time.Duration(duration).Seconds(); secs > 0 {
				rates = append(rates, float64(moved)/secs)
				durations = append(durations, secs)
			}
		case isp.ResultNoResponse.String():
			st.NoResponse++
		default:
			st.Failures++
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	if len(rates) > 0 {
		st.MeanBps, st.StdDevBps = stat.MeanStdDev(rates, nil)
		if len(rates) == 1 {
			st.StdDevBps = 0
		}
		sort.Float64s(rates)
		st.P95Bps = stat.Quantile(0.95, stat.Empirical, rates, nil)
		st.MeanDuration = stat.Mean(durations, nil)
	}
	return st, nil
}

// PruneTransfers deletes records started before cutoff and returns how many
// were removed.
func (db *DB) PruneTransfers(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM transfers WHERE started_unix_nanos < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transfers: %w", err)
	}
	return res.RowsAffected()
}
