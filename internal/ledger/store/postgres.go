package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
	"dunning/pkg/platform/sentinel"
	txcontext "dunning/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed ledger.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) conn(ctx context.Context) dbtx {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn inside a transaction carried on the context. Nested calls
// join the outer transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return txcontext.Run(ctx, s.db, fn)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// =============================================================================
// Invoices
// =============================================================================

const invoiceColumns = `id, retailer_id, buyer_id, number, invoice_date, due_date, principal, language,
	stage, watermark, version, paid_at, payment_reference, anonymized, created_at, updated_at`

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *models.Invoice, evts ...events.Event) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO invoices (` + invoiceColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12, $13, $14, $15)
		`
		_, err := s.conn(ctx).ExecContext(ctx, query,
			uuid.UUID(inv.ID),
			nullRetailer(inv.RetailerID),
			uuid.UUID(inv.BuyerID),
			inv.Number,
			inv.InvoiceDate,
			inv.DueDate,
			inv.Principal,
			inv.Language,
			inv.Stage.String(),
			inv.Watermark.String(),
			nullTime(inv.PaidAt),
			inv.PaymentReference,
			inv.Anonymized,
			inv.CreatedAt,
			inv.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return sentinel.ErrAlreadyUsed
			}
			return fmt.Errorf("insert invoice: %w", err)
		}
		if err := s.insertEvents(ctx, evts, inv.CreatedAt); err != nil {
			return err
		}
		inv.Version = 1
		return nil
	})
}

func (s *PostgresStore) GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := scanInvoice(s.conn(ctx).QueryRowContext(ctx, query, uuid.UUID(invoiceID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find invoice: %w", err)
	}
	return inv, nil
}

// CompareAndSwap writes inv only if the stored version still matches, and
// inserts evts into the outbox in the same transaction.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, inv *models.Invoice, evts ...events.Event) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		query := `
			UPDATE invoices SET
				retailer_id = $3, number = $4, stage = $5, watermark = $6,
				paid_at = $7, payment_reference = $8, anonymized = $9,
				updated_at = $10, version = version + 1
			WHERE id = $1 AND version = $2
		`
		res, err := s.conn(ctx).ExecContext(ctx, query,
			uuid.UUID(inv.ID),
			inv.Version,
			nullRetailer(inv.RetailerID),
			inv.Number,
			inv.Stage.String(),
			inv.Watermark.String(),
			nullTime(inv.PaidAt),
			inv.PaymentReference,
			inv.Anonymized,
			inv.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update invoice rows affected: %w", err)
		}
		if affected == 0 {
			var exists bool
			err := s.conn(ctx).QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, uuid.UUID(inv.ID)).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check invoice existence: %w", err)
			}
			if !exists {
				return sentinel.ErrNotFound
			}
			return sentinel.ErrVersionConflict
		}
		if err := s.insertEvents(ctx, evts, inv.UpdatedAt); err != nil {
			return err
		}
		inv.Version++
		return nil
	})
}

func (s *PostgresStore) ListSchedulable(ctx context.Context) ([]*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE stage <> 'paid' AND NOT anonymized
		ORDER BY invoice_date, id`
	rows, err := s.conn(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedulable invoices: %w", err)
	}
	defer rows.Close()

	var out []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var (
		inv                  models.Invoice
		invoiceID, buyerID   uuid.UUID
		retailerID           uuid.NullUUID
		stage, watermark     string
		paidAt               sql.NullTime
		invoiceDate, dueDate time.Time
	)
	err := row.Scan(
		&invoiceID, &retailerID, &buyerID, &inv.Number, &invoiceDate, &dueDate, &inv.Principal, &inv.Language,
		&stage, &watermark, &inv.Version, &paidAt, &inv.PaymentReference, &inv.Anonymized, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.ID = domain.InvoiceID(invoiceID)
	inv.BuyerID = domain.BuyerID(buyerID)
	if retailerID.Valid {
		inv.RetailerID = domain.RetailerID(retailerID.UUID)
	}
	inv.InvoiceDate = models.DateOf(invoiceDate)
	inv.DueDate = models.DateOf(dueDate)
	if inv.Stage, err = models.ParseStage(stage); err != nil {
		return nil, err
	}
	if inv.Watermark, err = models.ParseStage(watermark); err != nil {
		return nil, err
	}
	inv.PaidAt = timePtr(paidAt)
	return &inv, nil
}

func nullRetailer(r domain.RetailerID) uuid.NullUUID {
	if r.IsNil() {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(r), Valid: true}
}

// =============================================================================
// Buyers
// =============================================================================

const buyerColumns = `id, registry_id, name, email, phone, address,
	risk_score, risk_category, risk_computed_at, risk_valid_until, created_at, updated_at`

func (s *PostgresStore) CreateBuyer(ctx context.Context, buyer *models.Buyer) error {
	query := `
		INSERT INTO buyers (id, registry_id, name, email, phone, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(buyer.ID), buyer.RegistryID, buyer.Name, buyer.Email, buyer.Phone, buyer.Address,
		buyer.CreatedAt, buyer.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert buyer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBuyer(ctx context.Context, buyerID domain.BuyerID) (*models.Buyer, error) {
	query := `SELECT ` + buyerColumns + ` FROM buyers WHERE id = $1`
	return s.findBuyer(ctx, query, uuid.UUID(buyerID))
}

func (s *PostgresStore) GetBuyerByRegistryID(ctx context.Context, registryID string) (*models.Buyer, error) {
	query := `SELECT ` + buyerColumns + ` FROM buyers WHERE registry_id = upper(trim($1))`
	return s.findBuyer(ctx, query, registryID)
}

func (s *PostgresStore) findBuyer(ctx context.Context, query string, arg any) (*models.Buyer, error) {
	var (
		b                      models.Buyer
		buyerID                uuid.UUID
		score                  sql.NullInt64
		category               sql.NullString
		computedAt, validUntil sql.NullTime
	)
	err := s.conn(ctx).QueryRowContext(ctx, query, arg).Scan(
		&buyerID, &b.RegistryID, &b.Name, &b.Email, &b.Phone, &b.Address,
		&score, &category, &computedAt, &validUntil, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find buyer: %w", err)
	}
	b.ID = domain.BuyerID(buyerID)
	if score.Valid && validUntil.Valid {
		b.Risk = &models.RiskAssessment{
			Score:      int(score.Int64),
			Category:   models.RiskCategory(category.String),
			ComputedAt: computedAt.Time,
			ValidUntil: validUntil.Time,
		}
	}
	return &b, nil
}

func (s *PostgresStore) UpdateBuyerRisk(ctx context.Context, buyerID domain.BuyerID, assessment models.RiskAssessment) error {
	query := `
		UPDATE buyers SET risk_score = $2, risk_category = $3, risk_computed_at = $4,
			risk_valid_until = $5, updated_at = $4
		WHERE id = $1
	`
	res, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(buyerID), assessment.Score, string(assessment.Category), assessment.ComputedAt, assessment.ValidUntil,
	)
	if err != nil {
		return fmt.Errorf("update buyer risk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// PaymentHistory is the anonymized projection risk scoring reads. It selects
// due and payment dates only; no retailer column leaves the query.
func (s *PostgresStore) PaymentHistory(ctx context.Context, buyerID domain.BuyerID) (models.PaymentHistory, error) {
	if _, err := s.GetBuyer(ctx, buyerID); err != nil {
		return models.PaymentHistory{}, err
	}
	history := models.PaymentHistory{BuyerID: buyerID}

	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT due_date, paid_at FROM invoices
		WHERE buyer_id = $1 AND stage = 'paid' AND paid_at IS NOT NULL
		ORDER BY due_date
	`, uuid.UUID(buyerID))
	if err != nil {
		return models.PaymentHistory{}, fmt.Errorf("query payment history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var due, paid time.Time
		if err := rows.Scan(&due, &paid); err != nil {
			return models.PaymentHistory{}, fmt.Errorf("scan settlement: %w", err)
		}
		history.Settlements = append(history.Settlements, models.Settlement{DueDate: models.DateOf(due), PaidAt: &paid})
	}
	if err := rows.Err(); err != nil {
		return models.PaymentHistory{}, fmt.Errorf("iterate settlements: %w", err)
	}

	err = s.conn(ctx).QueryRowContext(ctx, `
		SELECT count(*) FROM disputes d JOIN invoices i ON i.id = d.invoice_id
		WHERE i.buyer_id = $1 AND d.status = $2
	`, uuid.UUID(buyerID), string(models.DisputeSubmitted)).Scan(&history.Disputes)
	if err != nil {
		return models.PaymentHistory{}, fmt.Errorf("count disputes: %w", err)
	}
	return history, nil
}

// =============================================================================
// Communications
// =============================================================================

const communicationColumns = `id, invoice_id, stage, channel, content_ref, status, retry_count, last_error, created_at, updated_at, version`

func (s *PostgresStore) GetCommunication(ctx context.Context, invoiceID domain.InvoiceID, stage models.Stage, channel models.Channel) (*models.CommunicationRecord, error) {
	query := `SELECT ` + communicationColumns + ` FROM communications
		WHERE invoice_id = $1 AND stage = $2 AND channel = $3`
	rec, err := scanCommunication(s.conn(ctx).QueryRowContext(ctx, query, uuid.UUID(invoiceID), stage.String(), string(channel)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find communication: %w", err)
	}
	return rec, nil
}

// SaveCommunication inserts a record at version 0 and otherwise updates it
// only while the stored version still equals rec.Version. A second record
// for the same (invoice, stage, channel) is sentinel.ErrAlreadyUsed and a
// stale version is sentinel.ErrVersionConflict.
func (s *PostgresStore) SaveCommunication(ctx context.Context, rec *models.CommunicationRecord) error {
	if rec.Version == 0 {
		query := `
			INSERT INTO communications (` + communicationColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
			ON CONFLICT (invoice_id, stage, channel) DO NOTHING
		`
		res, err := s.conn(ctx).ExecContext(ctx, query,
			uuid.UUID(rec.ID), uuid.UUID(rec.InvoiceID), rec.Stage.String(), string(rec.Channel), rec.ContentRef,
			string(rec.Status), rec.RetryCount, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert communication: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sentinel.ErrAlreadyUsed
		}
		rec.Version = 1
		return nil
	}

	query := `
		UPDATE communications SET
			content_ref = $3, status = $4, retry_count = $5, last_error = $6,
			updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $2
	`
	res, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(rec.ID), rec.Version, rec.ContentRef, string(rec.Status),
		rec.RetryCount, rec.LastError, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update communication: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update communication rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		err := s.conn(ctx).QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM communications WHERE id = $1)`, uuid.UUID(rec.ID)).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check communication: %w", err)
		}
		if exists {
			return sentinel.ErrVersionConflict
		}
		return sentinel.ErrNotFound
	}
	rec.Version++
	return nil
}

func (s *PostgresStore) ListCommunications(ctx context.Context, invoiceID domain.InvoiceID) ([]*models.CommunicationRecord, error) {
	query := `SELECT ` + communicationColumns + ` FROM communications WHERE invoice_id = $1`
	rows, err := s.conn(ctx).QueryContext(ctx, query, uuid.UUID(invoiceID))
	if err != nil {
		return nil, fmt.Errorf("list communications: %w", err)
	}
	defer rows.Close()
	var out []*models.CommunicationRecord
	for rows.Next() {
		rec, err := scanCommunication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate communications: %w", err)
	}
	slices.SortFunc(out, func(a, b *models.CommunicationRecord) int {
		if a.Stage != b.Stage {
			return int(a.Stage) - int(b.Stage)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func scanCommunication(row rowScanner) (*models.CommunicationRecord, error) {
	var (
		rec                   models.CommunicationRecord
		recID, invoiceID      uuid.UUID
		stage, channel, state string
	)
	err := row.Scan(&recID, &invoiceID, &stage, &channel, &rec.ContentRef, &state,
		&rec.RetryCount, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err != nil {
		return nil, err
	}
	rec.ID = domain.CommunicationID(recID)
	rec.InvoiceID = domain.InvoiceID(invoiceID)
	if rec.Stage, err = models.ParseStage(stage); err != nil {
		return nil, err
	}
	rec.Channel = models.Channel(channel)
	rec.Status = models.DeliveryStatus(state)
	return &rec, nil
}

// =============================================================================
// Notices
// =============================================================================

const noticeColumns = `id, invoice_id, content, content_ref, status, approved_by, approved_at, sent_at, created_at, updated_at`

func (s *PostgresStore) CreateNotice(ctx context.Context, notice *models.LegalNotice) error {
	query := `INSERT INTO notices (` + noticeColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(notice.ID), uuid.UUID(notice.InvoiceID), notice.Content, notice.ContentRef, string(notice.Status),
		notice.ApprovedBy, nullTime(notice.ApprovedAt), nullTime(notice.SentAt), notice.CreatedAt, notice.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert notice: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotice(ctx context.Context, noticeID domain.NoticeID) (*models.LegalNotice, error) {
	return s.findNotice(ctx, `SELECT `+noticeColumns+` FROM notices WHERE id = $1`, uuid.UUID(noticeID))
}

func (s *PostgresStore) GetNoticeByInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.LegalNotice, error) {
	return s.findNotice(ctx, `SELECT `+noticeColumns+` FROM notices WHERE invoice_id = $1`, uuid.UUID(invoiceID))
}

func (s *PostgresStore) findNotice(ctx context.Context, query string, arg any) (*models.LegalNotice, error) {
	n, err := scanNotice(s.conn(ctx).QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find notice: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SaveNotice(ctx context.Context, notice *models.LegalNotice) error {
	query := `
		UPDATE notices SET content_ref = $2, status = $3, approved_by = $4, approved_at = $5,
			sent_at = $6, updated_at = $7
		WHERE id = $1
	`
	res, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(notice.ID), notice.ContentRef, string(notice.Status), notice.ApprovedBy,
		nullTime(notice.ApprovedAt), nullTime(notice.SentAt), notice.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update notice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingNotices(ctx context.Context) ([]*models.LegalNotice, error) {
	query := `SELECT ` + noticeColumns + ` FROM notices WHERE status = $1 ORDER BY created_at`
	rows, err := s.conn(ctx).QueryContext(ctx, query, string(models.NoticePendingApproval))
	if err != nil {
		return nil, fmt.Errorf("list pending notices: %w", err)
	}
	defer rows.Close()
	var out []*models.LegalNotice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notice: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notices: %w", err)
	}
	return out, nil
}

func scanNotice(row rowScanner) (*models.LegalNotice, error) {
	var (
		n                  models.LegalNotice
		noticeID, invoice  uuid.UUID
		status             string
		approvedAt, sentAt sql.NullTime
	)
	err := row.Scan(&noticeID, &invoice, &n.Content, &n.ContentRef, &status, &n.ApprovedBy,
		&approvedAt, &sentAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.ID = domain.NoticeID(noticeID)
	n.InvoiceID = domain.InvoiceID(invoice)
	n.Status = models.NoticeStatus(status)
	n.ApprovedAt = timePtr(approvedAt)
	n.SentAt = timePtr(sentAt)
	return &n, nil
}

// =============================================================================
// Disputes
// =============================================================================

const disputeColumns = `id, invoice_id, notice_id, package, status, reference_number, approved_by,
	approved_at, submitted_at, last_error, created_at, updated_at`

func (s *PostgresStore) CreateDispute(ctx context.Context, dispute *models.DisputeSubmission) error {
	pkg, err := json.Marshal(dispute.Package)
	if err != nil {
		return fmt.Errorf("marshal dispute package: %w", err)
	}
	query := `INSERT INTO disputes (` + disputeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(dispute.ID), uuid.UUID(dispute.InvoiceID), uuid.UUID(dispute.NoticeID), pkg, string(dispute.Status),
		nullString(dispute.ReferenceNumber), dispute.ApprovedBy, nullTime(dispute.ApprovedAt), nullTime(dispute.SubmittedAt),
		dispute.LastError, dispute.CreatedAt, dispute.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDispute(ctx context.Context, disputeID domain.DisputeID) (*models.DisputeSubmission, error) {
	return s.findDispute(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, uuid.UUID(disputeID))
}

func (s *PostgresStore) GetDisputeByInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.DisputeSubmission, error) {
	return s.findDispute(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE invoice_id = $1`, uuid.UUID(invoiceID))
}

func (s *PostgresStore) findDispute(ctx context.Context, query string, arg any) (*models.DisputeSubmission, error) {
	var (
		d                       models.DisputeSubmission
		disputeID, inv, notice  uuid.UUID
		pkg                     []byte
		status                  string
		reference               sql.NullString
		approvedAt, submittedAt sql.NullTime
	)
	err := s.conn(ctx).QueryRowContext(ctx, query, arg).Scan(
		&disputeID, &inv, &notice, &pkg, &status, &reference, &d.ApprovedBy,
		&approvedAt, &submittedAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find dispute: %w", err)
	}
	if err := json.Unmarshal(pkg, &d.Package); err != nil {
		return nil, fmt.Errorf("unmarshal dispute package: %w", err)
	}
	d.ID = domain.DisputeID(disputeID)
	d.InvoiceID = domain.InvoiceID(inv)
	d.NoticeID = domain.NoticeID(notice)
	d.Status = models.DisputeStatus(status)
	d.ReferenceNumber = reference.String
	d.ApprovedAt = timePtr(approvedAt)
	d.SubmittedAt = timePtr(submittedAt)
	return &d, nil
}

func (s *PostgresStore) SaveDispute(ctx context.Context, dispute *models.DisputeSubmission) error {
	query := `
		UPDATE disputes SET status = $2, reference_number = $3, approved_by = $4, approved_at = $5,
			submitted_at = $6, last_error = $7, updated_at = $8
		WHERE id = $1
	`
	res, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(dispute.ID), string(dispute.Status), nullString(dispute.ReferenceNumber), dispute.ApprovedBy,
		nullTime(dispute.ApprovedAt), nullTime(dispute.SubmittedAt), dispute.LastError, dispute.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("update dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// =============================================================================
// Outbox
// =============================================================================

func (s *PostgresStore) insertEvents(ctx context.Context, evts []events.Event, at time.Time) error {
	for _, evt := range evts {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal outbox event: %w", err)
		}
		_, err = s.conn(ctx).ExecContext(ctx, `
			INSERT INTO outbox (id, invoice_id, event_type, payload, status, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
		`, evt.ID, uuid.UUID(evt.InvoiceID), string(evt.Type), payload, string(events.StatusPending), at)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}
	return nil
}

// ClaimPending leases due rows with FOR UPDATE SKIP LOCKED so concurrent
// relays never pick up the same event.
func (s *PostgresStore) ClaimPending(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]events.Envelope, error) {
	query := `
		UPDATE outbox SET next_attempt_at = $2
		WHERE id IN (
			SELECT o.id FROM outbox o
			WHERE o.status = 'pending' AND o.next_attempt_at <= $1
			AND NOT EXISTS (
				SELECT 1 FROM outbox earlier
				WHERE earlier.invoice_id = o.invoice_id AND earlier.seq < o.seq
				AND earlier.status = 'pending' AND earlier.next_attempt_at > $1
			)
			ORDER BY o.seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, payload, status, attempts, next_attempt_at, last_error, processed_at
	`
	rows, err := s.conn(ctx).QueryContext(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()
	type claimed struct {
		seq int64
		env events.Envelope
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		env, err := scanEnvelope(rows, &c.seq)
		if err != nil {
			return nil, err
		}
		c.env = env
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	slices.SortFunc(batch, func(a, b claimed) int { return int(a.seq - b.seq) })
	out := make([]events.Envelope, 0, len(batch))
	for _, c := range batch {
		out = append(out, c.env)
	}
	return out, nil
}

func scanEnvelope(row rowScanner, seq *int64) (events.Envelope, error) {
	var (
		env         events.Envelope
		payload     []byte
		status      string
		processedAt sql.NullTime
	)
	if err := row.Scan(seq, &payload, &status, &env.Attempts, &env.NextAttemptAt, &env.LastError, &processedAt); err != nil {
		return events.Envelope{}, fmt.Errorf("scan outbox entry: %w", err)
	}
	if err := json.Unmarshal(payload, &env.Event); err != nil {
		return events.Envelope{}, fmt.Errorf("unmarshal outbox event: %w", err)
	}
	env.Status = events.Status(status)
	env.ProcessedAt = timePtr(processedAt)
	return env, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE outbox SET status = $2, processed_at = $3, attempts = attempts + 1, last_error = ''
		WHERE id = $1
	`, eventID, string(events.StatusProcessed), at)
	if err != nil {
		return fmt.Errorf("mark outbox entry processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID uuid.UUID, reason string, nextAttemptAt time.Time, dead bool) error {
	status := events.StatusPending
	if dead {
		status = events.StatusDead
	}
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE outbox SET status = $2, attempts = attempts + 1, last_error = $3, next_attempt_at = $4
		WHERE id = $1
	`, eventID, string(status), reason, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark outbox entry failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE outbox SET next_attempt_at = $2
		WHERE id = $1 AND status = 'pending'
	`, eventID, at)
	if err != nil {
		return fmt.Errorf("release outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByInvoice(ctx context.Context, invoiceID domain.InvoiceID) ([]events.Envelope, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT seq, payload, status, attempts, next_attempt_at, last_error, processed_at
		FROM outbox WHERE invoice_id = $1 ORDER BY seq
	`, uuid.UUID(invoiceID))
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()
	var out []events.Envelope
	for rows.Next() {
		var seq int64
		env, err := scanEnvelope(rows, &seq)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return out, nil
}
