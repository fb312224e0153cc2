// Package database provides PostgreSQL client functionality for resolving
// each user's assigned club and persisting computed commute metrics.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Client wraps a PostgreSQL database connection
type Client struct {
	db     *sql.DB
	schema string
}

// UserFacility is an eligible user and the display name of their club
type UserFacility struct {
	UserID   string
	ClubName string
}

// NewClient creates a new database client with connection pooling. Metrics
// are written to tables in schema.
func NewClient(dsn, schema string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (also failed to close: %w)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db, schema: schema}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// HealthCheck verifies database connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// eligibleUsersQuery resolves the club each regular user belongs to. The
// latest annual or semi-annual pass wins over the profile club, and clubs
// that opened later are mapped back to the club the user trained at before
// the opening date.
const eligibleUsersQuery = `
	WITH base AS (
		SELECT
			u.id::text          AS user_id,
			u.club              AS club_id,
			u.created_at::date  AS user_created_at
		FROM raw."user" u
		WHERE u.role = 'user'
		  AND u.partnershiptype IS NULL
		  AND u.id::text = ANY($1)
	),
	hp_latest AS (
		SELECT user_id, club_hp_name, hp_created_at
		FROM (
			SELECT
				uhp."user"::text AS user_id,
				chp.name         AS club_hp_name,
				uhp.created_at   AS hp_created_at,
				row_number() OVER (
					PARTITION BY uhp."user"
					ORDER BY uhp.created_at DESC NULLS LAST
				) AS rn
			FROM raw.userheropass uhp
			JOIN raw.heropass h ON h.id = uhp.heropass
			LEFT JOIN raw.club chp ON chp.id = uhp.club
			WHERE h.name IN ('Годовой Hero` + "`" + `s Pass', 'Полугодовой Hero` + "`" + `s Pass')
		) s
		WHERE rn = 1
	),
	resolved AS (
		SELECT
			b.user_id,
			COALESCE(hp.club_hp_name, mc.name, rc.name) AS club_name,
			COALESCE(hp.hp_created_at::date, b.user_created_at, current_date) AS assigned_at
		FROM base b
		LEFT JOIN hp_latest hp ON hp.user_id = b.user_id
		LEFT JOIN main.clubs mc ON mc.club = b.club_id
		LEFT JOIN raw.club rc ON rc.id = b.club_id
	)
	SELECT DISTINCT ON (r.user_id)
		r.user_id,
		CASE
			WHEN r.club_name = 'HJ Villa' AND r.assigned_at < DATE '2025-06-01' THEN 'HJ Colibri'
			WHEN r.club_name = 'HJ Promenade' AND r.assigned_at < DATE '2025-04-01' THEN 'HJ Colibri'
			WHEN r.club_name = 'HJ Europe City' AND r.assigned_at < DATE '2025-02-01' THEN 'HJ Nurly Orda'
			ELSE r.club_name
		END AS club_name
	FROM resolved r
	WHERE r.club_name IS NOT NULL
	  AND r.club_name <> 'Unknown'
	  AND NOT EXISTS (
		SELECT 1 FROM raw.test_users_list t
		WHERE t."user"::text = r.user_id AND t.free_pass_type = 'hp'
	  )
	ORDER BY r.user_id
`

// EligibleUsers returns the regular, non-test users among userIDs that have
// a resolvable club
func (c *Client) EligibleUsers(ctx context.Context, userIDs []string) ([]UserFacility, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, eligibleUsersQuery, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var users []UserFacility
	for rows.Next() {
		var u UserFacility
		if err := rows.Scan(&u.UserID, &u.ClubName); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return users, nil
}
