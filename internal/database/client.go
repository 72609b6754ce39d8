// Package database provides the PostgreSQL client of the worker: recorded OwnTracks
// locations (read, and replayed as a location source) and the trip history written
// when tracking sessions end.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/stuartshay/arrival-worker/internal/calculator"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// Client wraps a PostgreSQL database connection
type Client struct {
	db *sql.DB
}

// Location represents a GPS location record from the database
type Location struct {
	ID             int64
	DeviceID       string
	TID            string
	Latitude       float64
	Longitude      float64
	Accuracy       int
	Altitude       int
	Velocity       int
	Battery        int
	BatteryStatus  string
	ConnectionType string
	Trigger        string
	Timestamp      int64
	CreatedAt      time.Time
}

// Trip is a stored trip history row
type Trip struct {
	ID              int64
	DeviceID        string
	SessionID       string
	DestinationName string
	StartedAt       time.Time
	EndedAt         time.Time
	StartLat        float64
	StartLng        float64
	EndLat          float64
	EndLng          float64
	DistanceM       int
	DurationS       int
	AvgSpeedKmh     int
	MaxSpeedKmh     int
	Mode            calculator.TransportMode
	Arrived         bool
}

// Statistics aggregates the trip history of a device
type Statistics struct {
	TotalTrips       int
	TotalDistanceM   int
	TotalDuration    time.Duration
	AverageDistanceM int
	AverageDuration  time.Duration
	AverageSpeedKmh  int
	LongestTripM     int
	MaxSpeedKmh      int
	FavouriteMode    calculator.TransportMode
}

// NewClient creates a new database client with connection pooling
func NewClient(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (also failed to close: %w)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// NewClientFromDB wraps an open handle
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// HealthCheck verifies database connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

const tripsSchema = `
	CREATE TABLE IF NOT EXISTS public.arrival_trips (
		id               BIGSERIAL PRIMARY KEY,
		device_id        TEXT NOT NULL,
		session_id       TEXT NOT NULL UNIQUE,
		destination_name TEXT NOT NULL DEFAULT '',
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ NOT NULL,
		start_lat        DOUBLE PRECISION,
		start_lng        DOUBLE PRECISION,
		end_lat          DOUBLE PRECISION,
		end_lng          DOUBLE PRECISION,
		distance_m       INTEGER NOT NULL,
		duration_s       INTEGER NOT NULL,
		avg_speed_kmh    INTEGER NOT NULL,
		max_speed_kmh    INTEGER NOT NULL,
		transport_mode   TEXT NOT NULL,
		arrived          BOOLEAN NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// EnsureSchema creates the trip history table
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, tripsSchema); err != nil {
		return fmt.Errorf("failed to create trips table: %w", err)
	}
	return nil
}

// SaveTrip stores the summary of a finished session and returns its id. Saving the
// same session twice keeps the first row.
func (c *Client) SaveTrip(ctx context.Context, deviceID string, trip tracking.TripSummary) (int64, error) {
	query := `
		INSERT INTO public.arrival_trips (
			device_id, session_id, destination_name, started_at, ended_at,
			start_lat, start_lng, end_lat, end_lng,
			distance_m, duration_s, avg_speed_kmh, max_speed_kmh, transport_mode, arrived
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING id
	`

	var startLat, startLng, endLat, endLng sql.NullFloat64
	if trip.Start != nil {
		startLat = sql.NullFloat64{Float64: trip.Start.Latitude, Valid: true}
		startLng = sql.NullFloat64{Float64: trip.Start.Longitude, Valid: true}
	}
	if trip.End != nil {
		endLat = sql.NullFloat64{Float64: trip.End.Latitude, Valid: true}
		endLng = sql.NullFloat64{Float64: trip.End.Longitude, Valid: true}
	}

	var id int64
	err := c.db.QueryRowContext(ctx, query,
		deviceID,
		trip.SessionID,
		trip.Destination.Label(),
		trip.StartedAt,
		trip.EndedAt,
		startLat, startLng, endLat, endLng,
		trip.DistanceM,
		int(trip.EndedAt.Sub(trip.StartedAt).Seconds()),
		trip.AvgSpeedKmh,
		trip.MaxSpeedKmh,
		string(trip.Mode),
		trip.Arrived,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert trip failed: %w", err)
	}
	return id, nil
}

// ListTrips returns the most recent trips of a device, newest first. An empty
// deviceID lists every device.
func (c *Client) ListTrips(ctx context.Context, deviceID string, limit int) ([]Trip, error) {
	query := `
		SELECT
			id, device_id, session_id, destination_name, started_at, ended_at,
			start_lat, start_lng, end_lat, end_lng,
			distance_m, duration_s, avg_speed_kmh, max_speed_kmh, transport_mode, arrived
		FROM public.arrival_trips
	`
	var args []interface{}
	if deviceID != "" {
		query += " WHERE device_id = $1"
		args = append(args, deviceID)
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d", clampLimit(limit))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var trips []Trip
	for rows.Next() {
		var t Trip
		var startLat, startLng, endLat, endLng sql.NullFloat64
		var mode string
		err := rows.Scan(
			&t.ID, &t.DeviceID, &t.SessionID, &t.DestinationName, &t.StartedAt, &t.EndedAt,
			&startLat, &startLng, &endLat, &endLng,
			&t.DistanceM, &t.DurationS, &t.AvgSpeedKmh, &t.MaxSpeedKmh, &mode, &t.Arrived,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		t.StartLat, t.StartLng = startLat.Float64, startLng.Float64
		t.EndLat, t.EndLng = endLat.Float64, endLng.Float64
		t.Mode = calculator.TransportMode(mode)
		trips = append(trips, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return trips, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// GetStatistics aggregates the trip history of a device
func (c *Client) GetStatistics(ctx context.Context, deviceID string) (Statistics, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(distance_m), 0),
			COALESCE(SUM(duration_s), 0),
			COALESCE(MAX(distance_m), 0),
			COALESCE(MAX(max_speed_kmh), 0),
			COALESCE((
				SELECT transport_mode FROM public.arrival_trips
				WHERE device_id = $1
				GROUP BY transport_mode
				ORDER BY COUNT(*) DESC, transport_mode
				LIMIT 1
			), '')
		FROM public.arrival_trips
		WHERE device_id = $1
	`

	var s Statistics
	var durationS int64
	var mode string
	err := c.db.QueryRowContext(ctx, query, deviceID).Scan(
		&s.TotalTrips,
		&s.TotalDistanceM,
		&durationS,
		&s.LongestTripM,
		&s.MaxSpeedKmh,
		&mode,
	)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics query failed: %w", err)
	}

	s.TotalDuration = time.Duration(durationS) * time.Second
	s.FavouriteMode = calculator.TransportMode(mode)
	if s.TotalTrips > 0 {
		s.AverageDistanceM = s.TotalDistanceM / s.TotalTrips
		s.AverageDuration = s.TotalDuration / time.Duration(s.TotalTrips)
	}
	if durationS > 0 {
		s.AverageSpeedKmh = int(float64(s.TotalDistanceM) / float64(durationS) * 3.6)
	}
	return s, nil
}

// GetLocationsByDate retrieves GPS locations for a specific date
// Date should be in YYYY-MM-DD format
func (c *Client) GetLocationsByDate(ctx context.Context, date string, deviceID string) ([]Location, error) {
	query := `
		SELECT
			id, device_id, tid, latitude, longitude, accuracy,
			altitude, velocity, battery, battery_status,
			connection_type, trigger, EXTRACT(EPOCH FROM timestamp)::bigint AS timestamp, created_at
		FROM public.locations
		WHERE DATE(created_at) = $1
	`

	args := []interface{}{date}

	// Add device_id filter if specified
	if deviceID != "" {
		query += " AND device_id = $2"
		args = append(args, deviceID)
	}

	query += " ORDER BY created_at ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var locations []Location
	for rows.Next() {
		var loc Location
		var accuracy, altitude, velocity, battery, timestamp sql.NullInt64
		var batteryStatus, connectionType, trigger sql.NullString

		err := rows.Scan(
			&loc.ID,
			&loc.DeviceID,
			&loc.TID,
			&loc.Latitude,
			&loc.Longitude,
			&accuracy,
			&altitude,
			&velocity,
			&battery,
			&batteryStatus,
			&connectionType,
			&trigger,
			&timestamp,
			&loc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		// NULL columns become -1 for the fields a fix treats as optional
		loc.Accuracy, loc.Altitude, loc.Velocity = -1, -1, -1
		if accuracy.Valid {
			loc.Accuracy = int(accuracy.Int64)
		}
		if altitude.Valid {
			loc.Altitude = int(altitude.Int64)
		}
		if velocity.Valid {
			loc.Velocity = int(velocity.Int64)
		}
		if battery.Valid {
			loc.Battery = int(battery.Int64)
		}
		if timestamp.Valid {
			loc.Timestamp = timestamp.Int64
		}
		loc.BatteryStatus = batteryStatus.String
		loc.ConnectionType = connectionType.String
		loc.Trigger = trigger.String

		locations = append(locations, loc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return locations, nil
}

// GetDevices returns a list of unique device IDs from the database
func (c *Client) GetDevices(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT device_id
		FROM public.locations
		WHERE device_id IS NOT NULL
		ORDER BY device_id
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var devices []string
	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		devices = append(devices, deviceID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return devices, nil
}
