package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // Postgres driver
	"github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	now        func() time.Time
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.New: open")
	}
	if driverName == "sqlite3" {
		// every sqlite connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore.New: ping")
	}

	s := &SQLStore{db: db, driverName: driverName, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		password TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS envelopes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		ticket_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		iv BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS envelopes_ticket_idx ON envelopes (ticket_id, seq);

	CREATE TABLE IF NOT EXISTS trips (
		booking_id TEXT PRIMARY KEY,
		pickup_lat REAL,
		pickup_lng REAL,
		destination_lat REAL,
		destination_lng REAL,
		updated_at DATETIME NOT NULL
	);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
		query = strings.ReplaceAll(query, "BLOB", "BYTEA")
		query = strings.ReplaceAll(query, "REAL", "DOUBLE PRECISION")
	}

	_, err := s.db.Exec(query)
	return errors.Wrap(err, "sqlstore.createTables")
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// classify maps driver errors onto the store sentinels so callers never see
// driver types.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return store.ErrConflict
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return store.ErrConflict
	}
	return err
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	user.CreatedAt = s.now().UTC()

	var id int
	query := s.rebind("INSERT INTO users (username, display_name, role, password, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowContext(ctx, query, user.Username, user.DisplayName, string(user.Role), user.Password, user.CreatedAt).Scan(&id)
	if err != nil {
		return errors.Wrap(classify(err), "sqlstore.CreateUser")
	}
	user.ID = id
	return nil
}

const userColumns = "id, username, display_name, role, password, created_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var user models.User
	var role string
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &role, &user.Password, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Role = models.Role(role)
	return &user, nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username = ?")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		return nil, errors.Wrap(classify(err), "sqlstore.GetUserByUsername")
	}
	return user, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, errors.Wrap(classify(err), "sqlstore.GetUserByID")
	}
	return user, nil
}

func (s *SQLStore) SearchUsers(ctx context.Context, queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username LIKE ? ORDER BY username LIMIT 10")
	rows, err := s.db.QueryContext(ctx, query, "%"+queryStr+"%")
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.SearchUsers")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore.SearchUsers: scan")
		}
		user.Password = ""
		users = append(users, *user)
	}
	return users, errors.Wrap(rows.Err(), "sqlstore.SearchUsers: rows")
}

// AppendEnvelope assigns the server-side id and timestamp and stores env.
// The ciphertext is kept opaque.
func (s *SQLStore) AppendEnvelope(ctx context.Context, env models.StoredEnvelope) (models.StoredEnvelope, error) {
	env.ID = uuid.NewString()
	env.CreatedAt = s.now().UTC()

	query := s.rebind("INSERT INTO envelopes (id, ticket_id, sender_id, sender_name, iv, ciphertext, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		env.ID, env.TicketID, env.SenderID, env.SenderName,
		[]byte(env.EncryptedMessage.IV), []byte(env.EncryptedMessage.Ciphertext), env.CreatedAt)
	if err != nil {
		return models.StoredEnvelope{}, errors.Wrap(classify(err), "sqlstore.AppendEnvelope")
	}
	return env, nil
}

func (s *SQLStore) FetchEnvelopes(ctx context.Context, ticketID string) ([]models.StoredEnvelope, error) {
	query := s.rebind(`
		SELECT id, ticket_id, sender_id, sender_name, iv, ciphertext, created_at
		FROM envelopes
		WHERE ticket_id = ?
		ORDER BY seq ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, ticketID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.FetchEnvelopes")
	}
	defer rows.Close()

	envelopes := []models.StoredEnvelope{}
	for rows.Next() {
		var e models.StoredEnvelope
		var iv, ct []byte
		if err := rows.Scan(&e.ID, &e.TicketID, &e.SenderID, &e.SenderName, &iv, &ct, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore.FetchEnvelopes: scan")
		}
		e.EncryptedMessage = models.Envelope{IV: iv, Ciphertext: ct}
		envelopes = append(envelopes, e)
	}
	return envelopes, errors.Wrap(rows.Err(), "sqlstore.FetchEnvelopes: rows")
}

func (s *SQLStore) GetTrip(ctx context.Context, bookingID string) (*models.Trip, error) {
	var pLat, pLng, dLat, dLng sql.NullFloat64
	trip := &models.Trip{BookingID: bookingID}

	query := s.rebind("SELECT pickup_lat, pickup_lng, destination_lat, destination_lng, updated_at FROM trips WHERE booking_id = ?")
	err := s.db.QueryRowContext(ctx, query, bookingID).Scan(&pLat, &pLng, &dLat, &dLng, &trip.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(classify(err), "sqlstore.GetTrip")
	}
	trip.Pickup = pointFrom(pLat, pLng)
	trip.Destination = pointFrom(dLat, dLng)
	return trip, nil
}

// PutTrip inserts or replaces the fixed points of a trip.
func (s *SQLStore) PutTrip(ctx context.Context, trip *models.Trip) error {
	trip.UpdatedAt = s.now().UTC()
	pLat, pLng := nullPoint(trip.Pickup)
	dLat, dLng := nullPoint(trip.Destination)

	query := s.rebind(`
		INSERT INTO trips (booking_id, pickup_lat, pickup_lng, destination_lat, destination_lng, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (booking_id) DO UPDATE SET
			pickup_lat = excluded.pickup_lat,
			pickup_lng = excluded.pickup_lng,
			destination_lat = excluded.destination_lat,
			destination_lng = excluded.destination_lng,
			updated_at = excluded.updated_at
	`)
	_, err := s.db.ExecContext(ctx, query, trip.BookingID, pLat, pLng, dLat, dLng, trip.UpdatedAt)
	return errors.Wrap(err, "sqlstore.PutTrip")
}

func pointFrom(lat, lng sql.NullFloat64) *models.Point {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &models.Point{Lat: lat.Float64, Lng: lng.Float64}
}

func nullPoint(p *models.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}, sql.NullFloat64{Float64: p.Lng, Valid: true}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "sqlstore.Ping")
}
