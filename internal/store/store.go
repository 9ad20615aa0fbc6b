// Package store keeps the farm population in SQLite. It is the snapshot
// source and score sink of the scoring engine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/types"
)

// ErrFarmNotFound is returned when a score write addresses no stored farm
var ErrFarmNotFound = errors.New("farm not found")

// farmRow mirrors the farms table. Metric and score columns are nullable.
type farmRow struct {
	ID             int64           `db:"id"`
	Chef           string          `db:"chef"`
	Chain          string          `db:"chain"`
	Protocol       string          `db:"protocol"`
	AssetAddress   string          `db:"asset_address"`
	AssetSymbol    string          `db:"asset_symbol"`
	FarmType       string          `db:"farm_type"`
	AllocPoint     sql.NullFloat64 `db:"alloc_point"`
	TVLUSD         sql.NullFloat64 `db:"tvl_usd"`
	BaseAPR        sql.NullFloat64 `db:"base_apr"`
	RewardAPR      sql.NullFloat64 `db:"reward_apr"`
	RewardsJSON    string          `db:"rewards"`
	TVLScore       sql.NullFloat64 `db:"tvl_score"`
	BaseAPRScore   sql.NullFloat64 `db:"base_apr_score"`
	RewardAPRScore sql.NullFloat64 `db:"reward_apr_score"`
	RewardsScore   sql.NullFloat64 `db:"rewards_score"`
	TotalScore     sql.NullFloat64 `db:"total_score"`
	PassID         sql.NullString  `db:"pass_id"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// SQLiteStore implements the engine repository on SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations. Use ":memory:" for an
// ephemeral database.
func New(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite has a single writer, and an in-memory database lives in one connection
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, c := range addedColumns {
		var n int
		err := db.Get(&n, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := db.Exec(c.ddl); err != nil {
				return fmt.Errorf("add %s.%s: %w", c.table, c.column, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertFarm writes the ingestion-side fields of a farm. Stored scores are
// never overwritten by it; a new farm takes f.Scores when present.
func (s *SQLiteStore) UpsertFarm(ctx context.Context, f model.Farm) error {
	rewardsJSON, err := json.Marshal(f.Rewards)
	if err != nil {
		return fmt.Errorf("encode rewards of %s: %w", f.FarmID, err)
	}
	if f.Rewards == nil {
		rewardsJSON = []byte("[]")
	}

	var sc [5]any
	if f.Scores != nil {
		sc = [5]any{f.Scores.TVL, f.Scores.BaseAPR, f.Scores.RewardAPR, f.Scores.Rewards, f.Scores.Total}
	}

	id := normalizeID(f.FarmID)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO farms (id, chef, chain, protocol, asset_address, asset_symbol, farm_type,
			alloc_point, tvl_usd, base_apr, reward_apr, rewards,
			tvl_score, base_apr_score, reward_apr_score, rewards_score, total_score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, chef, chain, protocol, asset_address) DO UPDATE SET
			asset_symbol = excluded.asset_symbol,
			farm_type = excluded.farm_type,
			alloc_point = excluded.alloc_point,
			tvl_usd = excluded.tvl_usd,
			base_apr = excluded.base_apr,
			reward_apr = excluded.reward_apr,
			rewards = excluded.rewards,
			updated_at = excluded.updated_at
	`, id.ID, id.Chef, string(id.Chain), id.Protocol, id.AssetAddress, f.AssetSymbol, f.Type.String(),
		nullable(f.AllocPoint), finite(f.TVLUSD), finite(f.BaseAPR), finite(f.RewardAPR), string(rewardsJSON),
		sc[0], sc[1], sc[2], sc[3], sc[4], time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert farm %s: %w", id, err)
	}
	return nil
}

// FetchPopulation returns every stored farm. Missing metrics come back as
// NaN so extraction reports them, and unreadable types or rewards are
// passed on for the scorer to flag rather than failing the snapshot.
func (s *SQLiteStore) FetchPopulation(ctx context.Context) ([]model.Farm, error) {
	var rows []farmRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM farms ORDER BY chain, protocol, chef, id, asset_address
	`); err != nil {
		return nil, fmt.Errorf("select farms: %w", err)
	}

	farms := make([]model.Farm, len(rows))
	for i, r := range rows {
		farms[i] = r.toFarm()
	}
	return farms, nil
}

// PersistScore overwrites the score fields of one farm. Repeating a write is
// harmless.
func (s *SQLiteStore) PersistScore(ctx context.Context, id model.FarmID, scores model.Scores) error {
	id = normalizeID(id)
	res, err := s.db.ExecContext(ctx, `
		UPDATE farms SET
			tvl_score = ?, base_apr_score = ?, reward_apr_score = ?, rewards_score = ?, total_score = ?,
			updated_at = ?
		WHERE id = ? AND chef = ? AND chain = ? AND protocol = ? AND asset_address = ?
	`, scores.TVL, scores.BaseAPR, scores.RewardAPR, scores.Rewards, scores.Total, time.Now().UTC(),
		id.ID, id.Chef, string(id.Chain), id.Protocol, id.AssetAddress)
	if err != nil {
		return fmt.Errorf("persist score %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist score %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrFarmNotFound, id)
	}
	return nil
}

// RecordPass marks the farms scored by a completed pass. Ranking only
// returns farms of the most recently recorded pass.
func (s *SQLiteStore) RecordPass(ctx context.Context, passID string, completedAt time.Time, scored []model.FarmID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record pass: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO passes (id, completed_at, farms) VALUES (?, ?, ?)`,
		passID, completedAt.UTC(), len(scored)); err != nil {
		return fmt.Errorf("insert pass %s: %w", passID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		UPDATE farms SET pass_id = ?
		WHERE id = ? AND chef = ? AND chain = ? AND protocol = ? AND asset_address = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare pass update: %w", err)
	}
	defer stmt.Close()

	for _, id := range scored {
		id = normalizeID(id)
		if _, err := stmt.ExecContext(ctx, passID, id.ID, id.Chef, string(id.Chain), id.Protocol, id.AssetAddress); err != nil {
			return fmt.Errorf("mark %s scored by pass %s: %w", id, passID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pass %s: %w", passID, err)
	}
	return nil
}

// Ranking returns the farms scored by the latest recorded pass, ordered by
// total score, best first. Scores of earlier passes are not comparable and
// are left out. A non-positive limit returns all of them.
func (s *SQLiteStore) Ranking(ctx context.Context, limit int) ([]model.ScoredFarm, error) {
	query := `
		SELECT * FROM farms
		WHERE total_score IS NOT NULL
		  AND pass_id = (SELECT id FROM passes ORDER BY completed_at DESC, rowid DESC LIMIT 1)
		ORDER BY total_score DESC, chain, protocol, chef, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []farmRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select ranking: %w", err)
	}

	ranked := make([]model.ScoredFarm, len(rows))
	for i, r := range rows {
		f := r.toFarm()
		ranked[i] = model.ScoredFarm{FarmID: f.FarmID, Scores: *f.Scores}
	}
	return ranked, nil
}

func (r farmRow) toFarm() model.Farm {
	f := model.Farm{
		FarmID: model.FarmID{
			ID:           r.ID,
			Chef:         r.Chef,
			Chain:        types.SupportedChain(r.Chain),
			Protocol:     r.Protocol,
			AssetAddress: r.AssetAddress,
		},
		AssetSymbol: r.AssetSymbol,
		TVLUSD:      orNaN(r.TVLUSD),
		BaseAPR:     orNaN(r.BaseAPR),
		RewardAPR:   orNaN(r.RewardAPR),
	}

	t, err := model.ParseFarmType(r.FarmType)
	if err != nil {
		t = model.FarmTypeInvalid
	}
	f.Type = t

	if r.AllocPoint.Valid {
		v := r.AllocPoint.Float64
		f.AllocPoint = &v
	}

	if err := json.Unmarshal([]byte(r.RewardsJSON), &f.Rewards); err != nil {
		logrus.WithFields(logrus.Fields{
			"farm":  f.FarmID.String(),
			"error": err,
		}).Warn("Unreadable rewards column, treating farm as paying no rewards")
		f.Rewards = nil
	}

	// A record counts as scored once the composite column exists
	if r.TotalScore.Valid {
		f.Scores = &model.Scores{
			TVL:       r.TVLScore.Float64,
			BaseAPR:   r.BaseAPRScore.Float64,
			RewardAPR: r.RewardAPRScore.Float64,
			Rewards:   r.RewardsScore.Float64,
			Total:     r.TotalScore.Float64,
		}
	}
	return f
}

// normalizeID stores hex addresses in their EIP-55 checksum form so the
// same farm is not keyed twice by letter case
func normalizeID(id model.FarmID) model.FarmID {
	id.Chef = checksum(id.Chef)
	id.AssetAddress = checksum(id.AssetAddress)
	return id
}

func checksum(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func finite(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
