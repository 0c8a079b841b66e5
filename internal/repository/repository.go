package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/holdfast-hq/holdfast/internal/models"
)

// Sentinel errors surfaced by the write paths. Services translate these into
// their public error kinds.
var (
	ErrSlotTaken    = errors.New("slot already held")
	ErrSlotBooked   = errors.New("slot already booked")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrHoldNotFound = errors.New("hold not found")
	ErrHoldDead     = errors.New("hold is not active")
	ErrHoldExpired  = errors.New("hold has expired")
	ErrNDAPending   = errors.New("nda not signed")
)

// Repositories holds all repository instances
type Repositories struct {
	User         *UserRepository
	MeetingType  *MeetingTypeRepository
	Availability *AvailabilityRuleRepository
	Blackout     *BlackoutRepository
	Hold         *HoldRepository
	Booking      *BookingRepository
	Document     *DocumentRepository
	Webhook      *WebhookRepository
}

// NewRepositories creates all repositories
func NewRepositories(db *sql.DB, driver string) *Repositories {
	locks := &slotLocks{}
	return &Repositories{
		User:         &UserRepository{db: db, driver: driver},
		MeetingType:  &MeetingTypeRepository{db: db, driver: driver},
		Availability: &AvailabilityRuleRepository{db: db, driver: driver},
		Blackout:     &BlackoutRepository{db: db, driver: driver},
		Hold:         &HoldRepository{db: db, driver: driver, locks: locks},
		Booking:      &BookingRepository{db: db, driver: driver, locks: locks},
		Document:     &DocumentRepository{db: db, driver: driver},
		Webhook:      &WebhookRepository{db: db, driver: driver},
	}
}

// q converts PostgreSQL-style placeholders ($1, $2) to SQLite-style (?) if needed
func q(driver, query string) string {
	if driver == "sqlite" {
		re := regexp.MustCompile(`\$\d+`)
		return re.ReplaceAllString(query, "?")
	}
	return query
}

// slotLockKey identifies the serialization unit for slot writes: one meeting
// type at one start instant.
type slotLockKey struct {
	MeetingTypeID string
	SlotStart     string
}

// lockKeyFor derives a stable 64-bit key for (meeting type, slot start).
// The same key feeds pg_advisory_xact_lock on postgres and the stripe mutex
// on sqlite, so both drivers serialize competing writers identically.
func lockKeyFor(meetingTypeID string, slotStart time.Time) (uint64, error) {
	return hashstructure.Hash(slotLockKey{
		MeetingTypeID: meetingTypeID,
		SlotStart:     slotStart.UTC().Format(time.RFC3339),
	}, hashstructure.FormatV2, nil)
}

// slotLocks is a striped in-process mutex set used on drivers without
// advisory locks. Collisions across stripes only over-serialize, never
// under-serialize.
type slotLocks struct {
	stripes [64]sync.Mutex
}

// lock acquires the stripe for key and returns its release func.
func (l *slotLocks) lock(key uint64) func() {
	m := &l.stripes[key%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}

// mapConstraintError converts driver constraint violations on the hold,
// booking and webhook tables into sentinel errors.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23P01": // exclusion_violation
			if strings.Contains(pqErr.Constraint, "bookings") {
				return fmt.Errorf("%w: %s", ErrSlotBooked, pqErr.Constraint)
			}
			return fmt.Errorf("%w: %s", ErrSlotTaken, pqErr.Constraint)
		case "23505": // unique_violation
			if strings.Contains(pqErr.Constraint, "idempotency") || strings.Contains(pqErr.Constraint, "provider") {
				return fmt.Errorf("%w: %s", ErrDuplicateKey, pqErr.Constraint)
			}
			return fmt.Errorf("%w: %s", ErrSlotTaken, pqErr.Constraint)
		}
		return err
	}
	if msg := err.Error(); strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "idempotency_key") || strings.Contains(msg, "processed_webhooks") {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, msg)
		}
		return fmt.Errorf("%w: %s", ErrSlotTaken, msg)
	}
	return err
}

// rollback logs rollback failures the way the rest of the codebase does.
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		log.Printf("Error rolling back transaction: %v", err)
	}
}

// UserRepository handles host user database operations
type UserRepository struct {
	db     *sql.DB
	driver string
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := q(r.driver, `
		INSERT INTO users (id, email, name, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.Timezone, user.CreatedAt, user.UpdatedAt)
	return err
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	query := q(r.driver, `SELECT id, email, name, timezone, created_at, updated_at FROM users WHERE id = $1`)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.Name, &user.Timezone, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	query := q(r.driver, `SELECT id, email, name, timezone, created_at, updated_at FROM users WHERE email = $1`)
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.Email, &user.Name, &user.Timezone, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

// MeetingTypeRepository handles meeting type database operations
type MeetingTypeRepository struct {
	db     *sql.DB
	driver string
}

func (r *MeetingTypeRepository) Create(ctx context.Context, mt *models.MeetingType) error {
	query := q(r.driver, `
		INSERT INTO meeting_types (id, user_id, slug, name, description, duration_minutes,
			buffer_before_minutes, buffer_after_minutes, location, requires_nda, active,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	_, err := r.db.ExecContext(ctx, query,
		mt.ID, mt.UserID, mt.Slug, mt.Name, mt.Description, mt.DurationMinutes,
		mt.BufferBeforeMinutes, mt.BufferAfterMinutes, mt.Location, mt.RequiresNDA,
		mt.Active, mt.CreatedAt, mt.UpdatedAt)
	return err
}

func (r *MeetingTypeRepository) GetByID(ctx context.Context, id string) (*models.MeetingType, error) {
	mt := &models.MeetingType{}
	query := q(r.driver, `
		SELECT id, user_id, slug, name, description, duration_minutes,
		       buffer_before_minutes, buffer_after_minutes, location, requires_nda,
		       active, created_at, updated_at
		FROM meeting_types WHERE id = $1
	`)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&mt.ID, &mt.UserID, &mt.Slug, &mt.Name, &mt.Description, &mt.DurationMinutes,
		&mt.BufferBeforeMinutes, &mt.BufferAfterMinutes, &mt.Location, &mt.RequiresNDA,
		&mt.Active, &mt.CreatedAt, &mt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mt, err
}

func (r *MeetingTypeRepository) GetBySlug(ctx context.Context, slug string) (*models.MeetingType, error) {
	mt := &models.MeetingType{}
	query := q(r.driver, `
		SELECT id, user_id, slug, name, description, duration_minutes,
		       buffer_before_minutes, buffer_after_minutes, location, requires_nda,
		       active, created_at, updated_at
		FROM meeting_types WHERE slug = $1
	`)
	err := r.db.QueryRowContext(ctx, query, slug).Scan(
		&mt.ID, &mt.UserID, &mt.Slug, &mt.Name, &mt.Description, &mt.DurationMinutes,
		&mt.BufferBeforeMinutes, &mt.BufferAfterMinutes, &mt.Location, &mt.RequiresNDA,
		&mt.Active, &mt.CreatedAt, &mt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mt, err
}

// AvailabilityRuleRepository handles availability rule database operations
type AvailabilityRuleRepository struct {
	db     *sql.DB
	driver string
}

func (r *AvailabilityRuleRepository) Create(ctx context.Context, rule *models.AvailabilityRule) error {
	query := q(r.driver, `
		INSERT INTO availability_rules (id, user_id, meeting_type_id, day_of_week,
			start_time, end_time, effective_from, effective_until, active,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.UserID, rule.MeetingTypeID, rule.DayOfWeek,
		rule.StartTime, rule.EndTime, rule.EffectiveFrom, rule.EffectiveUntil,
		rule.Active, rule.CreatedAt, rule.UpdatedAt)
	return err
}

// ListForMeetingType returns the owner's active rules that apply to the given
// meeting type: type-specific rules plus rules with no type bound.
func (r *AvailabilityRuleRepository) ListForMeetingType(ctx context.Context, userID, meetingTypeID string) ([]*models.AvailabilityRule, error) {
	query := q(r.driver, `
		SELECT id, user_id, meeting_type_id, day_of_week, start_time, end_time,
		       effective_from, effective_until, active, created_at, updated_at
		FROM availability_rules
		WHERE user_id = $1 AND active = TRUE
		  AND (meeting_type_id IS NULL OR meeting_type_id = $2)
		ORDER BY day_of_week, start_time
	`)
	rows, err := r.db.QueryContext(ctx, query, userID, meetingTypeID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Error closing rows: %v", err)
		}
	}()

	var rules []*models.AvailabilityRule
	for rows.Next() {
		rule := &models.AvailabilityRule{}
		err := rows.Scan(
			&rule.ID, &rule.UserID, &rule.MeetingTypeID, &rule.DayOfWeek,
			&rule.StartTime, &rule.EndTime, &rule.EffectiveFrom, &rule.EffectiveUntil,
			&rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// BlackoutRepository handles blackout date database operations
type BlackoutRepository struct {
	db     *sql.DB
	driver string
}

func (r *BlackoutRepository) Create(ctx context.Context, b *models.BlackoutDate) error {
	query := q(r.driver, `
		INSERT INTO blackout_dates (id, user_id, date, start_time, end_time,
			recurring_yearly, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := r.db.ExecContext(ctx, query,
		b.ID, b.UserID, b.Date, b.StartTime, b.EndTime,
		b.RecurringYearly, b.Reason, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *BlackoutRepository) ListByUserID(ctx context.Context, userID string) ([]*models.BlackoutDate, error) {
	query := q(r.driver, `
		SELECT id, user_id, date, start_time, end_time, recurring_yearly, reason,
		       created_at, updated_at
		FROM blackout_dates WHERE user_id = $1
		ORDER BY date
	`)
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Error closing rows: %v", err)
		}
	}()

	var blackouts []*models.BlackoutDate
	for rows.Next() {
		b := &models.BlackoutDate{}
		err := rows.Scan(
			&b.ID, &b.UserID, &b.Date, &b.StartTime, &b.EndTime,
			&b.RecurringYearly, &b.Reason, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return nil, err
		}
		blackouts = append(blackouts, b)
	}
	return blackouts, rows.Err()
}

// HoldRepository handles slot hold database operations
type HoldRepository struct {
	db     *sql.DB
	driver string
	locks  *slotLocks
}

const holdColumns = `id, meeting_type_id, slot_start, slot_end, guest_email, guest_name,
	       status, expires_at, idempotency_key, created_at, updated_at`

func scanHold(row interface{ Scan(...interface{}) error }) (*models.SlotHold, error) {
	hold := &models.SlotHold{}
	err := row.Scan(
		&hold.ID, &hold.MeetingTypeID, &hold.SlotStart, &hold.SlotEnd,
		&hold.GuestEmail, &hold.GuestName, &hold.Status, &hold.ExpiresAt,
		&hold.IdempotencyKey, &hold.CreatedAt, &hold.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return hold, err
}

func (r *HoldRepository) GetByID(ctx context.Context, id string) (*models.SlotHold, error) {
	query := q(r.driver, `SELECT `+holdColumns+` FROM slot_holds WHERE id = $1`)
	return scanHold(r.db.QueryRowContext(ctx, query, id))
}

func (r *HoldRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.SlotHold, error) {
	query := q(r.driver, `SELECT `+holdColumns+` FROM slot_holds WHERE idempotency_key = $1`)
	return scanHold(r.db.QueryRowContext(ctx, query, key))
}

// CreateExclusive inserts an active hold if, and only if, no live hold or
// confirmed booking overlaps its slot. Competing writers for the same
// (meeting type, slot start) serialize on an advisory lock (postgres) or a
// stripe mutex (sqlite); the postgres exclusion constraint backstops the
// check. Overlapping holds whose TTL already elapsed are transitioned to
// expired in the same transaction and returned so the caller can emit the
// release events the sweeper no longer will.
func (r *HoldRepository) CreateExclusive(ctx context.Context, hold *models.SlotHold) ([]*models.SlotHold, error) {
	key, err := lockKeyFor(hold.MeetingTypeID, hold.SlotStart.Time)
	if err != nil {
		return nil, fmt.Errorf("derive slot lock key: %w", err)
	}
	if r.driver == "sqlite" {
		unlock := r.locks.lock(key)
		defer unlock()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	if r.driver == "postgres" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(key)); err != nil {
			return nil, fmt.Errorf("acquire slot lock: %w", err)
		}
	}

	now := models.Now()
	expired, err := expireOverlappingHolds(ctx, tx, r.driver, hold.MeetingTypeID, hold.SlotStart, hold.SlotEnd, now)
	if err != nil {
		return nil, err
	}

	// Placeholders stay in ascending order so the sqlite rewrite binds the
	// same way postgres does.
	var liveHolds int
	query := q(r.driver, `
		SELECT COUNT(*) FROM slot_holds
		WHERE meeting_type_id = $1 AND status = 'active' AND expires_at > $2
		  AND slot_end > $3 AND slot_start < $4
	`)
	if err := tx.QueryRowContext(ctx, query, hold.MeetingTypeID, now, hold.SlotStart, hold.SlotEnd).Scan(&liveHolds); err != nil {
		return nil, err
	}
	if liveHolds > 0 {
		// Commit so the stale-hold expiries survive the rejection.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return expired, ErrSlotTaken
	}

	var booked int
	query = q(r.driver, `
		SELECT COUNT(*) FROM bookings
		WHERE meeting_type_id = $1 AND status = 'confirmed'
		  AND slot_end > $2 AND slot_start < $3
	`)
	if err := tx.QueryRowContext(ctx, query, hold.MeetingTypeID, hold.SlotStart, hold.SlotEnd).Scan(&booked); err != nil {
		return nil, err
	}
	if booked > 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return expired, ErrSlotBooked
	}

	query = q(r.driver, `
		INSERT INTO slot_holds (id, meeting_type_id, slot_start, slot_end, guest_email,
			guest_name, status, expires_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	_, err = tx.ExecContext(ctx, query,
		hold.ID, hold.MeetingTypeID, hold.SlotStart, hold.SlotEnd, hold.GuestEmail,
		hold.GuestName, hold.Status, hold.ExpiresAt, hold.IdempotencyKey,
		hold.CreatedAt, hold.UpdatedAt)
	if err != nil {
		// The violation aborted the transaction, so the expiries roll back
		// with it; return none so no release events go out for them.
		return nil, mapConstraintError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

// expireOverlappingHolds CAS-transitions overlapping active holds whose TTL
// elapsed and returns the rows it transitioned. Per-row CAS keeps the sweeper
// and this path from both claiming the same transition.
func expireOverlappingHolds(ctx context.Context, tx *sql.Tx, driver, meetingTypeID string, slotStart, slotEnd, now models.SQLiteTime) ([]*models.SlotHold, error) {
	query := q(driver, `
		SELECT `+holdColumns+` FROM slot_holds
		WHERE meeting_type_id = $1 AND status = 'active' AND expires_at <= $2
		  AND slot_end > $3 AND slot_start < $4
	`)
	rows, err := tx.QueryContext(ctx, query, meetingTypeID, now, slotStart, slotEnd)
	if err != nil {
		return nil, err
	}
	var candidates []*models.SlotHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			if cerr := rows.Close(); cerr != nil {
				log.Printf("Error closing rows: %v", cerr)
			}
			return nil, err
		}
		candidates = append(candidates, h)
	}
	if err := rows.Close(); err != nil {
		log.Printf("Error closing rows: %v", err)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	update := q(driver, `
		UPDATE slot_holds SET status = 'expired', updated_at = $1
		WHERE id = $2 AND status = 'active'
	`)
	var expired []*models.SlotHold
	for _, h := range candidates {
		res, err := tx.ExecContext(ctx, update, now, h.ID)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			h.Status = models.HoldStatusExpired
			h.UpdatedAt = now
			expired = append(expired, h)
		}
	}
	return expired, nil
}

// ListActiveInRange returns holds that block slots in [from, to): active
// status and unexpired as of now.
func (r *HoldRepository) ListActiveInRange(ctx context.Context, meetingTypeID string, from, to, now time.Time) ([]*models.SlotHold, error) {
	query := q(r.driver, `
		SELECT `+holdColumns+`
		FROM slot_holds
		WHERE meeting_type_id = $1 AND status = 'active' AND expires_at > $2
		  AND slot_end > $3 AND slot_start < $4
		ORDER BY slot_start
	`)
	rows, err := r.db.QueryContext(ctx, query, meetingTypeID,
		models.NewSQLiteTime(now), models.NewSQLiteTime(from), models.NewSQLiteTime(to))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Error closing rows: %v", err)
		}
	}()

	var holds []*models.SlotHold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}

// ListDue returns active holds whose TTL elapsed as of now, oldest first.
func (r *HoldRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.SlotHold, error) {
	query := q(r.driver, `
		SELECT `+holdColumns+`
		FROM slot_holds
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`)
	rows, err := r.db.QueryContext(ctx, query, models.NewSQLiteTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Error closing rows: %v", err)
		}
	}()

	var holds []*models.SlotHold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}

// UpdateStatusIf CAS-transitions a hold from one status to another and
// reports whether this call performed the transition.
func (r *HoldRepository) UpdateStatusIf(ctx context.Context, id string, from, to models.HoldStatus) (bool, error) {
	query := q(r.driver, `
		UPDATE slot_holds SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`)
	res, err := r.db.ExecContext(ctx, query, to, models.Now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BookingRepository handles booking database operations
type BookingRepository struct {
	db     *sql.DB
	driver string
	locks  *slotLocks
}

const bookingColumns = `id, meeting_type_id, user_id, hold_id, slot_start, slot_end,
	       guest_email, guest_name, guest_timezone, guest_notes, status,
	       idempotency_key, canceled_by, cancel_reason, created_at, updated_at`

func scanBooking(row interface{ Scan(...interface{}) error }) (*models.Booking, error) {
	booking := &models.Booking{}
	err := row.Scan(
		&booking.ID, &booking.MeetingTypeID, &booking.UserID, &booking.HoldID,
		&booking.SlotStart, &booking.SlotEnd, &booking.GuestEmail, &booking.GuestName,
		&booking.GuestTimezone, &booking.GuestNotes, &booking.Status,
		&booking.IdempotencyKey, &booking.CanceledBy, &booking.CancelReason,
		&booking.CreatedAt, &booking.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return booking, err
}

func (r *BookingRepository) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	query := q(r.driver, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`)
	return scanBooking(r.db.QueryRowContext(ctx, query, id))
}

func (r *BookingRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error) {
	query := q(r.driver, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = $1`)
	return scanBooking(r.db.QueryRowContext(ctx, query, key))
}

// ConfirmWithHold converts a hold into a confirmed booking in one
// transaction: re-read the hold under the slot lock, enforce liveness and the
// NDA gate, re-check overlap, CAS the hold to converted, insert the booking,
// and link any document. The booking's slot and guest fields are taken from
// the locked hold row, not from the caller.
//
// A hold whose TTL elapsed is transitioned to expired and that transition is
// committed even though the confirm fails with ErrHoldExpired.
func (r *BookingRepository) ConfirmWithHold(ctx context.Context, booking *models.Booking, requireSignedNDA bool) error {
	hold, err := r.readHoldForConfirm(ctx, booking.HoldID)
	if err != nil {
		return err
	}

	key, err := lockKeyFor(hold.MeetingTypeID, hold.SlotStart.Time)
	if err != nil {
		return fmt.Errorf("derive slot lock key: %w", err)
	}
	if r.driver == "sqlite" {
		unlock := r.locks.lock(key)
		defer unlock()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if r.driver == "postgres" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(key)); err != nil {
			return fmt.Errorf("acquire slot lock: %w", err)
		}
	}

	// Re-read inside the locked transaction; the pre-read only derived the key.
	query := q(r.driver, `SELECT `+holdColumns+` FROM slot_holds WHERE id = $1`)
	if r.driver == "postgres" {
		query += ` FOR UPDATE`
	}
	hold, err = scanHold(tx.QueryRowContext(ctx, query, booking.HoldID))
	if err != nil {
		return err
	}
	if hold == nil {
		return ErrHoldNotFound
	}
	if hold.Status != models.HoldStatusActive {
		return fmt.Errorf("%w: %s", ErrHoldDead, hold.Status)
	}

	now := models.Now()
	if hold.Expired(now.Time) {
		update := q(r.driver, `UPDATE slot_holds SET status = 'expired', updated_at = $1 WHERE id = $2 AND status = 'active'`)
		if _, err := tx.ExecContext(ctx, update, now, hold.ID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return ErrHoldExpired
	}

	if requireSignedNDA {
		var status models.DocumentStatus
		docQuery := q(r.driver, `
			SELECT status FROM documents WHERE hold_id = $1
			ORDER BY created_at DESC LIMIT 1
		`)
		err := tx.QueryRowContext(ctx, docQuery, hold.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNDAPending
		}
		if err != nil {
			return err
		}
		if status != models.DocumentStatusSigned {
			return fmt.Errorf("%w: document status %s", ErrNDAPending, status)
		}
	}

	var booked int
	overlapQuery := q(r.driver, `
		SELECT COUNT(*) FROM bookings
		WHERE meeting_type_id = $1 AND status = 'confirmed'
		  AND slot_end > $2 AND slot_start < $3
	`)
	if err := tx.QueryRowContext(ctx, overlapQuery, hold.MeetingTypeID, hold.SlotStart, hold.SlotEnd).Scan(&booked); err != nil {
		return err
	}
	if booked > 0 {
		return ErrSlotBooked
	}

	convert := q(r.driver, `UPDATE slot_holds SET status = 'converted', updated_at = $1 WHERE id = $2 AND status = 'active'`)
	res, err := tx.ExecContext(ctx, convert, now, hold.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: lost conversion race", ErrHoldDead)
	}

	booking.MeetingTypeID = hold.MeetingTypeID
	booking.SlotStart = hold.SlotStart
	booking.SlotEnd = hold.SlotEnd
	booking.Status = models.BookingStatusConfirmed

	insert := q(r.driver, `
		INSERT INTO bookings (id, meeting_type_id, user_id, hold_id, slot_start, slot_end,
			guest_email, guest_name, guest_timezone, guest_notes, status,
			idempotency_key, canceled_by, cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`)
	_, err = tx.ExecContext(ctx, insert,
		booking.ID, booking.MeetingTypeID, booking.UserID, booking.HoldID,
		booking.SlotStart, booking.SlotEnd, booking.GuestEmail, booking.GuestName,
		booking.GuestTimezone, booking.GuestNotes, booking.Status,
		booking.IdempotencyKey, booking.CanceledBy, booking.CancelReason,
		booking.CreatedAt, booking.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}

	link := q(r.driver, `UPDATE documents SET booking_id = $1, updated_at = $2 WHERE hold_id = $3`)
	if _, err := tx.ExecContext(ctx, link, booking.ID, now, hold.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// readHoldForConfirm fetches just enough of the hold to derive the slot lock
// key before the transaction opens.
func (r *BookingRepository) readHoldForConfirm(ctx context.Context, holdID string) (*models.SlotHold, error) {
	hold := &models.SlotHold{}
	query := q(r.driver, `SELECT id, meeting_type_id, slot_start FROM slot_holds WHERE id = $1`)
	err := r.db.QueryRowContext(ctx, query, holdID).Scan(&hold.ID, &hold.MeetingTypeID, &hold.SlotStart)
	if err == sql.ErrNoRows {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// ListConfirmedInRange returns confirmed bookings overlapping [from, to).
func (r *BookingRepository) ListConfirmedInRange(ctx context.Context, meetingTypeID string, from, to time.Time) ([]*models.Booking, error) {
	query := q(r.driver, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE meeting_type_id = $1 AND status = 'confirmed'
		  AND slot_end > $2 AND slot_start < $3
		ORDER BY slot_start
	`)
	rows, err := r.db.QueryContext(ctx, query, meetingTypeID,
		models.NewSQLiteTime(from), models.NewSQLiteTime(to))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Error closing rows: %v", err)
		}
	}()

	var bookings []*models.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}

// CancelIfConfirmed CAS-transitions a booking from confirmed to canceled and
// reports whether this call performed the transition.
func (r *BookingRepository) CancelIfConfirmed(ctx context.Context, id, canceledBy, reason string) (bool, error) {
	query := q(r.driver, `
		UPDATE bookings SET status = 'canceled', canceled_by = $1, cancel_reason = $2, updated_at = $3
		WHERE id = $4 AND status = 'confirmed'
	`)
	res, err := r.db.ExecContext(ctx, query, canceledBy, reason, models.Now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DocumentRepository handles NDA document database operations
type DocumentRepository struct {
	db     *sql.DB
	driver string
}

const documentColumns = `id, hold_id, booking_id, envelope_id, status, signer_email,
	       signer_name, sent_at, signed_at, audit_trail, created_at, updated_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*models.Document, error) {
	doc := &models.Document{}
	err := row.Scan(
		&doc.ID, &doc.HoldID, &doc.BookingID, &doc.EnvelopeID, &doc.Status,
		&doc.SignerEmail, &doc.SignerName, &doc.SentAt, &doc.SignedAt,
		&doc.AuditTrail, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	query := q(r.driver, `
		INSERT INTO documents (id, hold_id, booking_id, envelope_id, status,
			signer_email, signer_name, sent_at, signed_at, audit_trail,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.HoldID, doc.BookingID, doc.EnvelopeID, doc.Status,
		doc.SignerEmail, doc.SignerName, doc.SentAt, doc.SignedAt, doc.AuditTrail,
		doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	query := q(r.driver, `SELECT `+documentColumns+` FROM documents WHERE id = $1`)
	return scanDocument(r.db.QueryRowContext(ctx, query, id))
}

// GetByHoldID returns the most recent document for a hold.
func (r *DocumentRepository) GetByHoldID(ctx context.Context, holdID string) (*models.Document, error) {
	query := q(r.driver, `
		SELECT `+documentColumns+` FROM documents WHERE hold_id = $1
		ORDER BY created_at DESC LIMIT 1
	`)
	return scanDocument(r.db.QueryRowContext(ctx, query, holdID))
}

func (r *DocumentRepository) GetByEnvelopeID(ctx context.Context, envelopeID string) (*models.Document, error) {
	query := q(r.driver, `
		SELECT `+documentColumns+` FROM documents WHERE envelope_id = $1
		ORDER BY created_at DESC LIMIT 1
	`)
	return scanDocument(r.db.QueryRowContext(ctx, query, envelopeID))
}

func (r *DocumentRepository) Update(ctx context.Context, doc *models.Document) error {
	query := q(r.driver, `
		UPDATE documents
		SET booking_id = $1, envelope_id = $2, status = $3, sent_at = $4,
		    signed_at = $5, audit_trail = $6, updated_at = $7
		WHERE id = $8
	`)
	_, err := r.db.ExecContext(ctx, query,
		doc.BookingID, doc.EnvelopeID, doc.Status, doc.SentAt,
		doc.SignedAt, doc.AuditTrail, models.Now(), doc.ID)
	return err
}

// WebhookRepository handles processed webhook database operations
type WebhookRepository struct {
	db     *sql.DB
	driver string
}

const webhookColumns = `id, provider, webhook_id, status, response_body, created_at, updated_at`

func scanWebhook(row interface{ Scan(...interface{}) error }) (*models.ProcessedWebhook, error) {
	wh := &models.ProcessedWebhook{}
	err := row.Scan(
		&wh.ID, &wh.Provider, &wh.WebhookID, &wh.Status, &wh.ResponseBody,
		&wh.CreatedAt, &wh.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wh, err
}

// Claim records a webhook as processing. The (provider, webhook_id) unique
// constraint is the idempotency gate: the first caller claims the record, a
// replay gets the existing one back with claimed=false. A previously failed
// record is re-claimed so provider retries can re-run the handler.
func (r *WebhookRepository) Claim(ctx context.Context, wh *models.ProcessedWebhook) (*models.ProcessedWebhook, bool, error) {
	query := q(r.driver, `
		INSERT INTO processed_webhooks (id, provider, webhook_id, status, response_body,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err := r.db.ExecContext(ctx, query,
		wh.ID, wh.Provider, wh.WebhookID, wh.Status, wh.ResponseBody,
		wh.CreatedAt, wh.UpdatedAt)
	if err == nil {
		return wh, true, nil
	}
	if mapped := mapConstraintError(err); !errors.Is(mapped, ErrDuplicateKey) {
		return nil, false, err
	}

	existing, err := r.getByProviderEvent(ctx, wh.Provider, wh.WebhookID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("webhook %s/%s vanished after conflict", wh.Provider, wh.WebhookID)
	}
	if existing.Status == models.WebhookStatusFailed {
		reclaim := q(r.driver, `
			UPDATE processed_webhooks SET status = 'processing', updated_at = $1
			WHERE id = $2 AND status = 'failed'
		`)
		res, err := r.db.ExecContext(ctx, reclaim, models.Now(), existing.ID)
		if err != nil {
			return nil, false, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			existing.Status = models.WebhookStatusProcessing
			return existing, true, nil
		}
	}
	return existing, false, nil
}

func (r *WebhookRepository) getByProviderEvent(ctx context.Context, provider, webhookID string) (*models.ProcessedWebhook, error) {
	query := q(r.driver, `
		SELECT `+webhookColumns+` FROM processed_webhooks
		WHERE provider = $1 AND webhook_id = $2
	`)
	return scanWebhook(r.db.QueryRowContext(ctx, query, provider, webhookID))
}

// Complete marks a claimed webhook done and caches the response body replayed
// to later duplicates.
func (r *WebhookRepository) Complete(ctx context.Context, id, responseBody string) error {
	query := q(r.driver, `
		UPDATE processed_webhooks SET status = 'completed', response_body = $1, updated_at = $2
		WHERE id = $3
	`)
	_, err := r.db.ExecContext(ctx, query, responseBody, models.Now(), id)
	return err
}

// Fail marks a claimed webhook failed so a provider retry can re-claim it.
func (r *WebhookRepository) Fail(ctx context.Context, id string) error {
	query := q(r.driver, `
		UPDATE processed_webhooks SET status = 'failed', updated_at = $1
		WHERE id = $2
	`)
	_, err := r.db.ExecContext(ctx, query, models.Now(), id)
	return err
}
