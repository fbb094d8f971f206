package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// maxQoS is the highest supported QoS level.
const maxQoS = 2

// messageColumns is the column list shared by every SELECT that scans a Message.
const messageColumns = `id, topic, payload, qos, retain, priority, state, redeliver,
	created_at, published_at, confirmed_at, dropped_at, transport_msg_id, session_id`

// Logger is the logging interface used by the store.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store is the durable outbound message queue, backed by the messages table.
//
// Every operation holds the store mutex and every mutation runs in a single
// SQLite transaction, so a concurrent NextEligibleForSend never observes a
// half-updated message.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Store struct {
	db *database.DB

	mu       sync.Mutex
	capacity int
	closed   bool

	now    func() time.Time
	logger Logger
}

// New creates a Store on an already migrated database.
//
// Parameters:
//   - db: Database with the message_store migration applied
//   - capacity: Maximum number of queued plus in-flight messages
//
// Returns:
//   - *Store: Ready-to-use store
func New(db *database.DB, capacity int) *Store {
	return &Store{
		db:       db,
		capacity: capacity,
		now:      time.Now,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for eviction and purge reporting.
func (s *Store) SetLogger(logger Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetCapacity changes the live-message limit. Existing messages above the new
// limit are left for PurgeExceedingCapacity.
func (s *Store) SetCapacity(capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
}

// Capacity returns the live-message limit.
func (s *Store) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Close rejects further operations. The underlying database is not closed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// lock acquires the store mutex, failing if the store is closed.
// On success the caller must unlock s.mu.
func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// Enqueue durably stores a new message in the Queued state.
//
// When the store already holds capacity live messages, the oldest queued
// message with a numerically higher (less urgent) priority is evicted to make
// room. If no such message exists the call fails with ErrStoreFull.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - topic: Destination topic (non-empty)
//   - payload: Message body, stored verbatim
//   - qos: 0, 1 or 2
//   - priority: Lower values are sent first
//   - retain: Broker retain flag
//
// Returns:
//   - int64: The new message id
//   - error: ErrStoreFull, a validation error, or a database error
func (s *Store) Enqueue(ctx context.Context, topic string, payload []byte, qos byte, priority int, retain bool) (int64, error) {
	if topic == "" {
		return 0, ErrInvalidTopic
	}
	if qos > maxQoS {
		return 0, ErrInvalidQoS
	}
	if priority < 0 {
		return 0, ErrInvalidPriority
	}

	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var (
		id      int64
		evicted []int64
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		live, err := countLive(ctx, tx)
		if err != nil {
			return err
		}

		for ; live >= s.capacity; live-- {
			victim, err := evictionCandidate(ctx, tx, priority)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", victim); err != nil {
				return fmt.Errorf("evicting message %d: %w", victim, err)
			}
			evicted = append(evicted, victim)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (topic, payload, qos, retain, priority, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			topic, payload, qos, retain, priority, StateQueued, s.now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, victim := range evicted {
		s.logger.Warn("store full, evicted lower priority message",
			"evicted_id", victim,
			"new_id", id,
			"priority", priority,
		)
	}
	return id, nil
}

// evictionCandidate returns the oldest queued message whose priority is less
// urgent than priority, preferring the least urgent.
func evictionCandidate(ctx context.Context, tx *sql.Tx, priority int) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE state = ? AND priority > ?
		ORDER BY priority DESC, id ASC
		LIMIT 1`,
		StateQueued, priority,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStoreFull
	}
	if err != nil {
		return 0, fmt.Errorf("selecting eviction candidate: %w", err)
	}
	return id, nil
}

// NextEligibleForSend returns the next message to hand to the transport:
// lowest priority value first, lowest id as tie-break.
//
// Queued messages are always eligible. Published messages flagged for
// redelivery are eligible unless excludeInFlight is set.
//
// Returns:
//   - *Message: The message to send
//   - error: ErrNotFound when nothing is eligible
func (s *Store) NextEligibleForSend(ctx context.Context, excludeInFlight bool) (*Message, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	includeRedeliver := 1
	if excludeInFlight {
		includeRedeliver = 0
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE state = ? OR (? = 1 AND state = ? AND redeliver = 1)
		ORDER BY priority ASC, id ASC
		LIMIT 1`,
		StateQueued, includeRedeliver, StatePublished,
	)
	return scanMessage(row)
}

// MarkPublished records that the transport accepted message id. tok may be
// nil when the transport does not issue tokens. A message already published
// (redelivery) gets the new token and loses its redeliver flag.
func (s *Store) MarkPublished(ctx context.Context, id int64, tok *transport.Token) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	var (
		msgID     sql.NullInt64
		sessionID sql.NullString
	)
	if tok != nil {
		msgID = sql.NullInt64{Int64: int64(tok.MessageID), Valid: true}
		sessionID = sql.NullString{String: tok.SessionID, Valid: true}
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET state = ?, redeliver = 0, published_at = ?, transport_msg_id = ?, session_id = ?
			WHERE id = ? AND state IN (?, ?)`,
			StatePublished, s.now().UnixNano(), msgID, sessionID,
			id, StateQueued, StatePublished,
		)
		if err != nil {
			return fmt.Errorf("marking message %d published: %w", id, err)
		}
		return expectUpdated(ctx, tx, res, id)
	})
}

// MarkConfirmed records the broker acknowledgment for message id.
// Confirming an already confirmed message is a no-op.
//
// Returns:
//   - *Message: The confirmed message
//   - error: ErrNotFound, or ErrInvalidTransition for a queued or dropped message
func (s *Store) MarkConfirmed(ctx context.Context, id int64) (*Message, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var msg *Message
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		msg, err = s.confirm(ctx, tx, id)
		return err
	})
	return msg, err
}

// MarkConfirmedByToken is MarkConfirmed for transports that identify
// acknowledgments by token rather than by message id.
//
// Returns:
//   - *Message: The confirmed message
//   - error: ErrNotFound when no in-flight message carries tok
func (s *Store) MarkConfirmedByToken(ctx context.Context, tok transport.Token) (*Message, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var msg *Message
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM messages
			WHERE session_id = ? AND transport_msg_id = ? AND state = ?
			ORDER BY id ASC
			LIMIT 1`,
			tok.SessionID, tok.MessageID, StatePublished,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: token %s", ErrNotFound, tok)
		}
		if err != nil {
			return fmt.Errorf("looking up token %s: %w", tok, err)
		}

		msg, err = s.confirm(ctx, tx, id)
		return err
	})
	return msg, err
}

func (s *Store) confirm(ctx context.Context, tx *sql.Tx, id int64) (*Message, error) {
	msg, err := scanMessage(tx.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		return nil, err
	}

	switch msg.State {
	case StateConfirmed:
		return msg, nil
	case StatePublished:
	default:
		return nil, fmt.Errorf("%w: message %d is %s", ErrInvalidTransition, id, msg.State)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET state = ?, redeliver = 0, confirmed_at = ? WHERE id = ?",
		StateConfirmed, now.UnixNano(), id,
	); err != nil {
		return nil, fmt.Errorf("marking message %d confirmed: %w", id, err)
	}

	msg.State = StateConfirmed
	msg.Redeliver = false
	msg.ConfirmedAt = now
	return msg, nil
}

// Delete removes message id. Used for QoS 0 messages once the transport has
// accepted them.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // SQLite always reports rows affected
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// MarkInFlightForRedelivery flags every published message as eligible to be
// sent again. Called after a reconnect, since tokens from the previous
// connection will never be confirmed.
//
// Returns:
//   - int64: Number of messages flagged
func (s *Store) MarkInFlightForRedelivery(ctx context.Context) (int64, error) {
	return s.exec(ctx, "flagging in-flight messages",
		"UPDATE messages SET redeliver = 1 WHERE state = ?", StatePublished)
}

// DropInFlight moves every published message to the Dropped state.
// Called when the broker starts a new session and republishing is disabled.
//
// Returns:
//   - int64: Number of messages dropped
func (s *Store) DropInFlight(ctx context.Context) (int64, error) {
	return s.exec(ctx, "dropping in-flight messages",
		"UPDATE messages SET state = ?, redeliver = 0, dropped_at = ? WHERE state = ?",
		StateDropped, s.now().UnixNano(), StatePublished)
}

// PurgeOlderThan deletes queued messages created more than age ago and
// confirmed or dropped messages completed more than age ago. In-flight
// messages are never purged by age.
//
// Returns:
//   - int64: Number of messages deleted
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age).UnixNano()
	return s.exec(ctx, "purging old messages", `
		DELETE FROM messages
		WHERE (state = ? AND created_at < ?)
		   OR (state = ? AND confirmed_at < ?)
		   OR (state = ? AND dropped_at < ?)`,
		StateQueued, cutoff,
		StateConfirmed, cutoff,
		StateDropped, cutoff,
	)
}

// PurgeCompleted deletes confirmed and dropped messages completed more than
// retention ago.
//
// Returns:
//   - int64: Number of messages deleted
func (s *Store) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixNano()
	return s.exec(ctx, "purging completed messages", `
		DELETE FROM messages
		WHERE (state = ? AND confirmed_at < ?)
		   OR (state = ? AND dropped_at < ?)`,
		StateConfirmed, cutoff,
		StateDropped, cutoff,
	)
}

// PurgeExceedingCapacity evicts queued messages until at most maxCount live
// messages remain, least urgent and oldest first. In-flight messages are kept
// even if they alone exceed maxCount.
//
// Returns:
//   - int64: Number of messages deleted
func (s *Store) PurgeExceedingCapacity(ctx context.Context, maxCount int) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var purged int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		live, err := countLive(ctx, tx)
		if err != nil {
			return err
		}
		excess := live - maxCount
		if excess <= 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM messages
				WHERE state = ?
				ORDER BY priority DESC, id ASC
				LIMIT ?
			)`,
			StateQueued, excess,
		)
		if err != nil {
			return fmt.Errorf("purging excess messages: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// exec runs a single mutating statement under the store lock and returns the
// number of affected rows.
func (s *Store) exec(ctx context.Context, what, query string, args ...any) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Get returns the message with the given id, in any state.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	return scanMessage(s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
}

// InFlightCount returns the number of published, unconfirmed messages.
func (s *Store) InFlightCount(ctx context.Context) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE state = ?", StatePublished,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting in-flight messages: %w", err)
	}
	return n, nil
}

// AwaitingConfirmationCount returns the number of messages sent on the
// current connection and not yet confirmed. Messages flagged for redelivery
// are not counted.
func (s *Store) AwaitingConfirmationCount(ctx context.Context) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE state = ? AND redeliver = 0", StatePublished,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unconfirmed messages: %w", err)
	}
	return n, nil
}

// Counts returns the number of messages in each state.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	if err := s.lock(); err != nil {
		return Counts{}, err
	}
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM messages GROUP BY state")
	if err != nil {
		return Counts{}, fmt.Errorf("counting messages: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			state State
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, fmt.Errorf("scanning counts: %w", err)
		}
		switch state {
		case StateQueued:
			c.Queued = n
		case StatePublished:
			c.Published = n
		case StateConfirmed:
			c.Confirmed = n
		case StateDropped:
			c.Dropped = n
		}
	}
	return c, rows.Err()
}

// UnpublishedIDs returns the ids of queued messages whose topic matches
// pattern (all topics when pattern is nil), in send order.
func (s *Store) UnpublishedIDs(ctx context.Context, pattern *regexp.Regexp) ([]int64, error) {
	return s.idsInState(ctx, StateQueued, pattern)
}

// InFlightIDs returns the ids of published, unconfirmed messages whose topic
// matches pattern, in send order.
func (s *Store) InFlightIDs(ctx context.Context, pattern *regexp.Regexp) ([]int64, error) {
	return s.idsInState(ctx, StatePublished, pattern)
}

// DroppedIDs returns the ids of dropped in-flight messages whose topic
// matches pattern, in send order.
func (s *Store) DroppedIDs(ctx context.Context, pattern *regexp.Regexp) ([]int64, error) {
	return s.idsInState(ctx, StateDropped, pattern)
}

func (s *Store) idsInState(ctx context.Context, state State, pattern *regexp.Regexp) ([]int64, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, topic FROM messages WHERE state = ? ORDER BY priority ASC, id ASC", state)
	if err != nil {
		return nil, fmt.Errorf("listing %s messages: %w", state, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var (
			id    int64
			topic string
		)
		if err := rows.Scan(&id, &topic); err != nil {
			return nil, fmt.Errorf("scanning %s message: %w", state, err)
		}
		if pattern == nil || pattern.MatchString(topic) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// countLive returns the number of queued plus published messages.
func countLive(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE state IN (?, ?)", StateQueued, StatePublished,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting live messages: %w", err)
	}
	return n, nil
}

// expectUpdated distinguishes a missing message from a disallowed transition
// when an UPDATE matched no rows.
func expectUpdated(ctx context.Context, tx *sql.Tx, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var state State
	err = tx.QueryRowContext(ctx, "SELECT state FROM messages WHERE id = ?", id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: message %d is %s", ErrInvalidTransition, id, state)
}

// scanMessage reads one row selected with messageColumns.
func scanMessage(row *sql.Row) (*Message, error) {
	var (
		m         Message
		qos       int
		createdAt int64
		pubAt     int64
		confAt    int64
		dropAt    int64
		msgID     sql.NullInt64
		sessionID sql.NullString
	)
	err := row.Scan(
		&m.ID, &m.Topic, &m.Payload, &qos, &m.Retain, &m.Priority, &m.State, &m.Redeliver,
		&createdAt, &pubAt, &confAt, &dropAt, &msgID, &sessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	m.QoS = byte(qos) //nolint:gosec // CHECK constraint keeps qos within 0..2
	m.CreatedAt = fromNanos(createdAt)
	m.PublishedAt = fromNanos(pubAt)
	m.ConfirmedAt = fromNanos(confAt)
	m.DroppedAt = fromNanos(dropAt)
	if msgID.Valid {
		m.Token = &transport.Token{MessageID: int(msgID.Int64), SessionID: sessionID.String}
	}
	return &m, nil
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
