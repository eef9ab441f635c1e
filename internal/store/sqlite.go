package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"pinvault/internal/faults"
)

// txRetries bounds the busy-retry loop around write transactions.
const txRetries = 3

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store. Write transactions take
// the write lock up front (_txlock=immediate) so count-then-act sequences
// serialize at the database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_busy_timeout=5000&_txlock=immediate&_fk=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS content_records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			address TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			parent_folder_id TEXT NOT NULL DEFAULT '',
			starred INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_records_owner ON content_records(owner_id, deleted);
		CREATE INDEX IF NOT EXISTS idx_records_address ON content_records(address, pinned);
		CREATE INDEX IF NOT EXISTS idx_records_parent ON content_records(owner_id, parent_folder_id, deleted);

		CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			parent_folder_id TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(owner_id, parent_folder_id, deleted);

		CREATE TABLE IF NOT EXISTS subscriptions (
			owner_id TEXT PRIMARY KEY,
			billing_day INTEGER NOT NULL,
			next_billing_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS billing_info (
			owner_id TEXT PRIMARY KEY,
			payment_method_added INTEGER NOT NULL DEFAULT 0,
			services_blocked INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS payment_orders (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			amount_cents INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			period_start DATETIME NOT NULL,
			period_end DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_external ON payment_orders(external_id);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON payment_orders(status);
	`)
	return err
}

const recordColumns = `id, owner_id, address, size, mime, name, parent_folder_id,
	starred, pinned, deleted, deleted_at, created_at, last_accessed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ContentRecord, error) {
	var rec ContentRecord
	var starred, pinned, deleted int
	var deletedAt, accessedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Address, &rec.Size, &rec.Mime,
		&rec.Name, &rec.ParentFolderID, &starred, &pinned, &deleted,
		&deletedAt, &rec.CreatedAt, &accessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Starred = starred == 1
	rec.Pinned = pinned == 1
	rec.Deleted = deleted == 1
	if deletedAt.Valid {
		rec.DeletedAt = deletedAt.Time
	}
	if accessedAt.Valid {
		rec.LastAccessedAt = accessedAt.Time
	}
	return &rec, nil
}

func scanFolder(row rowScanner) (*FolderRecord, error) {
	var f FolderRecord
	var deleted int
	var deletedAt sql.NullTime
	err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.ParentFolderID, &deleted, &deletedAt, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Deleted = deleted == 1
	if deletedAt.Valid {
		f.DeletedAt = deletedAt.Time
	}
	return &f, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *ContentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_records
			(id, owner_id, address, size, mime, name, parent_folder_id,
			 starred, pinned, deleted, deleted_at, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.OwnerID, rec.Address, rec.Size, rec.Mime, rec.Name,
		rec.ParentFolderID, b2i(rec.Starred), b2i(rec.Pinned), b2i(rec.Deleted),
		nullTime(rec.DeletedAt), rec.CreatedAt.UTC(), nullTime(rec.LastAccessedAt))
	return err
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*ContentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM content_records WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM content_records WHERE id = ?`, id)
}

func (s *SQLiteStore) RenameRecord(ctx context.Context, id, name string) error {
	return s.execOne(ctx, `UPDATE content_records SET name = ? WHERE id = ?`, name, id)
}

func (s *SQLiteStore) MoveRecord(ctx context.Context, id, parentFolderID string) error {
	return s.execOne(ctx, `UPDATE content_records SET parent_folder_id = ? WHERE id = ?`, parentFolderID, id)
}

func (s *SQLiteStore) SetRecordStarred(ctx context.Context, id string, starred bool) error {
	return s.execOne(ctx, `UPDATE content_records SET starred = ? WHERE id = ?`, b2i(starred), id)
}

func (s *SQLiteStore) TouchRecordAccess(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE content_records SET last_accessed_at = ? WHERE id = ?`, at.UTC(), id)
}

func (s *SQLiteStore) SetRecordDeleted(ctx context.Context, id string, deleted bool, at time.Time) error {
	if deleted {
		return s.execOne(ctx, `UPDATE content_records SET deleted = 1, deleted_at = ? WHERE id = ?`, at.UTC(), id)
	}
	return s.execOne(ctx, `UPDATE content_records SET deleted = 0, deleted_at = NULL WHERE id = ?`, id)
}

func (s *SQLiteStore) FindActiveSibling(ctx context.Context, ownerID, parentFolderID, name string) (*ContentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM content_records
		WHERE owner_id = ? AND parent_folder_id = ? AND deleted = 0
		  AND LOWER(name) = LOWER(?)
		LIMIT 1
	`, ownerID, parentFolderID, name)
	return scanRecord(row)
}

func (s *SQLiteStore) ListActiveNames(ctx context.Context, ownerID, parentFolderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM content_records
		WHERE owner_id = ? AND parent_folder_id = ? AND deleted = 0
	`, ownerID, parentFolderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*ContentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ContentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) ListChildRecords(ctx context.Context, ownerID, parentFolderID string) ([]*ContentRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM content_records
		WHERE owner_id = ? AND parent_folder_id = ?
	`, ownerID, parentFolderID)
}

func (s *SQLiteStore) ListTrashedRecords(ctx context.Context, ownerID string) ([]*ContentRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM content_records
		WHERE owner_id = ? AND deleted = 1
		ORDER BY deleted_at DESC
	`, ownerID)
}

func (s *SQLiteStore) ListExpiredTrashedRecords(ctx context.Context, cutoff time.Time) ([]*ContentRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM content_records
		WHERE deleted = 1 AND deleted_at < ?
	`, cutoff.UTC())
}

func (s *SQLiteStore) PinnedBytes(ctx context.Context, ownerID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM content_records
		WHERE owner_id = ? AND pinned = 1
	`, ownerID)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLiteStore) CountActivePins(ctx context.Context, address string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM content_records WHERE address = ? AND pinned = 1
	`, address)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStore) OwnerStats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN pinned = 1 THEN size ELSE 0 END), 0),
			COALESCE(SUM(deleted), 0)
		FROM content_records WHERE owner_id = ?
	`, ownerID)
	stats := &OwnerStats{}
	if err := row.Scan(&stats.TotalRecords, &stats.PinnedBytes, &stats.TrashedItems); err != nil {
		return nil, err
	}
	return stats, nil
}

const folderColumns = `id, owner_id, name, parent_folder_id, deleted, deleted_at, created_at`

func (s *SQLiteStore) InsertFolder(ctx context.Context, f *FolderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, owner_id, name, parent_folder_id, deleted, deleted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OwnerID, f.Name, f.ParentFolderID, b2i(f.Deleted), nullTime(f.DeletedAt), f.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetFolder(ctx context.Context, id string) (*FolderRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = ?`, id)
	return scanFolder(row)
}

func (s *SQLiteStore) DeleteFolder(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM folders WHERE id = ?`, id)
}

func (s *SQLiteStore) SetFolderDeleted(ctx context.Context, id string, deleted bool, at time.Time) error {
	if deleted {
		return s.execOne(ctx, `UPDATE folders SET deleted = 1, deleted_at = ? WHERE id = ?`, at.UTC(), id)
	}
	return s.execOne(ctx, `UPDATE folders SET deleted = 0, deleted_at = NULL WHERE id = ?`, id)
}

func (s *SQLiteStore) queryFolders(ctx context.Context, query string, args ...any) ([]*FolderRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*FolderRecord
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (s *SQLiteStore) ListChildFolders(ctx context.Context, ownerID, parentFolderID string) ([]*FolderRecord, error) {
	return s.queryFolders(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE owner_id = ? AND parent_folder_id = ?
	`, ownerID, parentFolderID)
}

func (s *SQLiteStore) ListTrashedFolders(ctx context.Context, ownerID string) ([]*FolderRecord, error) {
	return s.queryFolders(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE owner_id = ? AND deleted = 1
		ORDER BY deleted_at DESC
	`, ownerID)
}

func (s *SQLiteStore) ListExpiredTrashedFolders(ctx context.Context, cutoff time.Time) ([]*FolderRecord, error) {
	return s.queryFolders(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE deleted = 1 AND deleted_at < ?
	`, cutoff.UTC())
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, billing_day, next_billing_at, created_at
		FROM subscriptions WHERE owner_id = ?
	`, ownerID)
	var sub Subscription
	err := row.Scan(&sub.OwnerID, &sub.BillingDay, &sub.NextBillingAt, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLiteStore) InsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (owner_id, billing_day, next_billing_at, created_at)
		VALUES (?, ?, ?, ?)
	`, sub.OwnerID, sub.BillingDay, sub.NextBillingAt.UTC(), sub.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) UpdateNextBilling(ctx context.Context, ownerID string, next time.Time) error {
	return s.execOne(ctx, `UPDATE subscriptions SET next_billing_at = ? WHERE owner_id = ?`, next.UTC(), ownerID)
}

func (s *SQLiteStore) GetBillingInfo(ctx context.Context, ownerID string) (*BillingInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, payment_method_added, services_blocked
		FROM billing_info WHERE owner_id = ?
	`, ownerID)
	var info BillingInfo
	var added, blocked int
	err := row.Scan(&info.OwnerID, &added, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info.PaymentMethodAdded = added == 1
	info.ServicesBlocked = blocked == 1
	return &info, nil
}

func (s *SQLiteStore) InsertBillingInfo(ctx context.Context, info *BillingInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_info (owner_id, payment_method_added, services_blocked)
		VALUES (?, ?, ?)
	`, info.OwnerID, b2i(info.PaymentMethodAdded), b2i(info.ServicesBlocked))
	return err
}

func (s *SQLiteStore) SetBillingFlags(ctx context.Context, ownerID string, paymentMethodAdded, servicesBlocked bool) error {
	return s.execOne(ctx, `
		UPDATE billing_info SET payment_method_added = ?, services_blocked = ?
		WHERE owner_id = ?
	`, b2i(paymentMethodAdded), b2i(servicesBlocked), ownerID)
}

const orderColumns = `id, owner_id, external_id, amount_cents, currency, status,
	period_start, period_end, created_at`

func scanOrder(row rowScanner) (*PaymentOrder, error) {
	var o PaymentOrder
	err := row.Scan(&o.ID, &o.OwnerID, &o.ExternalID, &o.AmountCents, &o.Currency,
		&o.Status, &o.PeriodStart, &o.PeriodEnd, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLiteStore) InsertOrder(ctx context.Context, o *PaymentOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_orders
			(id, owner_id, external_id, amount_cents, currency, status,
			 period_start, period_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.OwnerID, o.ExternalID, o.AmountCents, o.Currency, o.Status,
		o.PeriodStart.UTC(), o.PeriodEnd.UTC(), o.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*PaymentOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM payment_orders WHERE id = ?`, id)
	return scanOrder(row)
}

func (s *SQLiteStore) GetOrderByExternalID(ctx context.Context, externalID string) (*PaymentOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM payment_orders WHERE external_id = ?`, externalID)
	return scanOrder(row)
}

func (s *SQLiteStore) SetOrderStatus(ctx context.Context, id, status string) error {
	return s.execOne(ctx, `UPDATE payment_orders SET status = ? WHERE id = ?`, status, id)
}

func (s *SQLiteStore) ListPendingOrders(ctx context.Context) ([]*PaymentOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM payment_orders WHERE status = ?`, OrderPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*PaymentOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// sqliteTx implements Tx over a live *sql.Tx.
type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) GetRecord(id string) (*ContentRecord, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+recordColumns+` FROM content_records WHERE id = ?`, id)
	return scanRecord(row)
}

func (t *sqliteTx) SetRecordPinned(id string, pinned bool) error {
	result, err := t.tx.ExecContext(t.ctx,
		`UPDATE content_records SET pinned = ? WHERE id = ?`, b2i(pinned), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) DeleteRecord(id string) error {
	result, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM content_records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) CountActivePins(address string) (int, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM content_records WHERE address = ? AND pinned = 1`, address)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return faults.Concurrency(lastErr, "write transaction retries exhausted")
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
