package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	r "github.com/partyroster/be/pkg/repositories/party"
)

// SQLiteRepo stores parties and members in one SQLite database.
type SQLiteRepo struct{ db *sql.DB }

// Ensure interface compliance
var _ r.Repository = (*SQLiteRepo)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

func (s *SQLiteRepo) Disconnect() { _ = s.db.Close() }

func (s *SQLiteRepo) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *SQLiteRepo) Begin(ctx context.Context) (r.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteRepo) ReadParty(ctx context.Context, id string) (*r.Party, []*r.Member, []*r.Member, error) {
	p, err := findParty(ctx, s.db, id, true)
	if err != nil {
		return nil, nil, nil, err
	}
	active, err := listMembers(ctx, s.db, p.Key, r.Active)
	if err != nil {
		return nil, nil, nil, err
	}
	wait, err := listMembers(ctx, s.db, p.Key, r.Waitlist)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, active, wait, nil
}

type sqliteTx struct{ tx *sql.Tx }

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return storeErr("rollback", err)
	}
	return nil
}

func (t *sqliteTx) CreateParty(ctx context.Context, p *r.Party) error {
	taken, err := t.NameTaken(ctx, p.Scope, p.Name)
	if err != nil {
		return err
	}
	if taken {
		return r.ErrNameConflict
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO parties (party_key, id, name, owner_id, owner_nickname, capacity, guild_id, channel_id, expires_at, closed, expired, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, p.Key, p.ID, p.Name, p.OwnerID, p.OwnerNickname, p.Capacity, p.Scope.GuildID, p.Scope.ChannelID, toMillis(p.ExpiresAt), toMillis(p.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return r.ErrDuplicateID
		}
		return storeErr("create party", err)
	}
	return nil
}

func (t *sqliteTx) NameTaken(ctx context.Context, scope r.Scope, name string) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM parties WHERE guild_id = ? AND name = ? AND expired = 0)
	`, scope.GuildID, name).Scan(&exists)
	if err != nil {
		return false, storeErr("name taken", err)
	}
	return exists == 1, nil
}

func (t *sqliteTx) GetParty(ctx context.Context, id string) (*r.Party, error) {
	return findParty(ctx, t.tx, id, false)
}

func (t *sqliteTx) FindParty(ctx context.Context, id string) (*r.Party, error) {
	return findParty(ctx, t.tx, id, true)
}

func (t *sqliteTx) ListActive(ctx context.Context, partyKey string) ([]*r.Member, error) {
	return listMembers(ctx, t.tx, partyKey, r.Active)
}

func (t *sqliteTx) ListWaitlist(ctx context.Context, partyKey string) ([]*r.Member, error) {
	return listMembers(ctx, t.tx, partyKey, r.Waitlist)
}

func (t *sqliteTx) HasMember(ctx context.Context, partyKey, userID string) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM members WHERE party_key = ? AND user_id = ? AND exited = 0)
	`, partyKey, userID).Scan(&exists)
	if err != nil {
		return false, storeErr("has member", err)
	}
	return exists == 1, nil
}

func (t *sqliteTx) InsertMember(ctx context.Context, m *r.Member) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO members (party_key, user_id, nickname, joined_at, kind, exited)
		VALUES (?, ?, ?, ?, ?, 0)
	`, m.PartyKey, m.UserID, m.Nickname, toMillis(m.JoinedAt), int(m.Kind))
	if err != nil {
		if isUniqueViolation(err) {
			return r.ErrDuplicateMember
		}
		return storeErr("insert member", err)
	}
	m.Exited = false
	return nil
}

func (t *sqliteTx) RemoveMember(ctx context.Context, partyKey, userID string) (bool, error) {
	return t.exec(ctx, "remove member", `UPDATE members SET exited = 1 WHERE party_key = ? AND user_id = ? AND exited = 0`, partyKey, userID)
}

func (t *sqliteTx) RemoveAllMembers(ctx context.Context, partyKey string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE members SET exited = 1 WHERE party_key = ? AND exited = 0`, partyKey)
	if err != nil {
		return 0, storeErr("remove all members", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("remove all members", err)
	}
	return n, nil
}

func (t *sqliteTx) UpdateCapacity(ctx context.Context, id string, capacity int) (bool, error) {
	return t.exec(ctx, "update capacity", `UPDATE parties SET capacity = ? WHERE id = ? AND expired = 0`, capacity, id)
}

func (t *sqliteTx) SetClosed(ctx context.Context, id string, closed bool) (bool, error) {
	return t.exec(ctx, "set closed", `UPDATE parties SET closed = ? WHERE id = ? AND expired = 0`, boolInt(closed), id)
}

func (t *sqliteTx) SetExpired(ctx context.Context, id string) (bool, error) {
	return t.exec(ctx, "set expired", `UPDATE parties SET expired = 1 WHERE id = ? AND expired = 0`, id)
}

func (t *sqliteTx) Rename(ctx context.Context, id, name string) (bool, error) {
	return t.exec(ctx, "rename", `UPDATE parties SET name = ? WHERE id = ? AND expired = 0`, name, id)
}

func (t *sqliteTx) ChangeID(ctx context.Context, oldID, newID string) (bool, error) {
	return t.exec(ctx, "change id", `UPDATE parties SET id = ? WHERE id = ? AND expired = 0`, newID, oldID)
}

func (t *sqliteTx) ListOverdue(ctx context.Context, now time.Time) ([]*r.Party, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+partyColumns+` FROM parties WHERE expired = 0 AND expires_at <= ? ORDER BY expires_at ASC, created_at ASC`, toMillis(now))
	if err != nil {
		return nil, storeErr("list overdue", err)
	}
	defer rows.Close()
	var out []*r.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, storeErr("list overdue", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list overdue", err)
	}
	return out, nil
}

func (t *sqliteTx) TouchGuild(ctx context.Context, guildID, name string) (bool, error) {
	var banned int
	err := t.tx.QueryRowContext(ctx, `SELECT banned FROM guilds WHERE guild_id = ?`, guildID).Scan(&banned)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = t.tx.ExecContext(ctx, `INSERT INTO guilds (guild_id, name, banned, use_count, created_at) VALUES (?, ?, 0, 1, ?)`, guildID, name, toMillis(time.Now()))
		if err != nil {
			return false, storeErr("register guild", err)
		}
		return true, nil
	case err != nil:
		return false, storeErr("load guild", err)
	}
	if banned == 1 {
		return false, nil
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE guilds SET use_count = use_count + 1, name = ? WHERE guild_id = ?`, name, guildID); err != nil {
		return false, storeErr("touch guild", err)
	}
	return true, nil
}

func (t *sqliteTx) SetGuildBanned(ctx context.Context, guildID string, banned bool) (bool, error) {
	return t.exec(ctx, "set guild banned", `UPDATE guilds SET banned = ? WHERE guild_id = ?`, boolInt(banned), guildID)
}

// exec runs a single-row update and reports whether a row changed.
func (t *sqliteTx) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, r.ErrDuplicateID
		}
		return false, storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(op, err)
	}
	return n > 0, nil
}

const partyColumns = `party_key, id, name, owner_id, owner_nickname, capacity, guild_id, channel_id, expires_at, closed, expired, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanParty(row scanner) (*r.Party, error) {
	var p r.Party
	var expiresAt, createdAt int64
	var closed, expired int
	if err := row.Scan(&p.Key, &p.ID, &p.Name, &p.OwnerID, &p.OwnerNickname, &p.Capacity, &p.Scope.GuildID, &p.Scope.ChannelID, &expiresAt, &closed, &expired, &createdAt); err != nil {
		return nil, err
	}
	p.ExpiresAt = fromMillis(expiresAt)
	p.CreatedAt = fromMillis(createdAt)
	p.Closed = closed == 1
	p.Expired = expired == 1
	return &p, nil
}

func findParty(ctx context.Context, q querier, id string, includeExpired bool) (*r.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE id = ?`
	if !includeExpired {
		query += ` AND expired = 0`
	}
	p, err := scanParty(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.ErrNotFound
		}
		return nil, storeErr("get party", err)
	}
	return p, nil
}

func listMembers(ctx context.Context, q querier, partyKey string, kind r.MemberKind) ([]*r.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, nickname, joined_at FROM members
		WHERE party_key = ? AND kind = ? AND exited = 0
		ORDER BY joined_at ASC, id ASC
	`, partyKey, int(kind))
	if err != nil {
		return nil, storeErr("list members", err)
	}
	defer rows.Close()
	var out []*r.Member
	for rows.Next() {
		m := r.Member{PartyKey: partyKey, Kind: kind}
		var joinedAt int64
		if err := rows.Scan(&m.UserID, &m.Nickname, &joinedAt); err != nil {
			return nil, storeErr("list members", err)
		}
		m.JoinedAt = fromMillis(joinedAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list members", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", r.ErrStore, op, err)
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
