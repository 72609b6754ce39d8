// Package history processes finished trips: it stores each summary in the trip
// history table and appends it to a daily CSV export.
package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/queue"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// TripStore persists trip summaries
type TripStore interface {
	SaveTrip(ctx context.Context, deviceID string, trip tracking.TripSummary) (int64, error)
}

var csvHeader = []string{
	"session_id", "device_id", "destination", "started_at", "ended_at",
	"start_lat", "start_lng", "end_lat", "end_lng",
	"distance_m", "duration_s", "avg_speed_kmh", "max_speed_kmh", "transport_mode", "arrived",
}

// Processor is the trip job processor. Either output may be disabled: a nil store
// skips the database and an empty csvDir skips the export.
type Processor struct {
	store  TripStore
	csvDir string

	mu sync.Mutex
}

// NewProcessor creates a processor
func NewProcessor(store TripStore, csvDir string) *Processor {
	return &Processor{store: store, csvDir: csvDir}
}

// Process handles one trip job
func (p *Processor) Process(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	log.Info().
		Str("job_id", job.ID).
		Str("session_id", job.Trip.SessionID).
		Str("device_id", job.DeviceID).
		Int("distance_m", job.Trip.DistanceM).
		Msg("Processing trip")

	if job.Trip.SessionID == "" {
		return nil, errors.New("trip has no session id")
	}

	result := &queue.JobResult{}
	if p.store != nil {
		id, err := p.store.SaveTrip(ctx, job.DeviceID, job.Trip)
		if err != nil {
			return nil, fmt.Errorf("failed to save trip: %w", err)
		}
		result.TripID = id
	}

	if p.csvDir != "" {
		path, err := p.appendCSV(job.DeviceID, job.Trip)
		if err != nil {
			return nil, fmt.Errorf("CSV export failed: %w", err)
		}
		result.CSVPath = path
	}

	return result, nil
}

// appendCSV adds the trip to trips_YYYYMMDD.csv, named after the trip start date
func (p *Processor) appendCSV(deviceID string, trip tracking.TripSummary) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.csvDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	day := trip.StartedAt
	if day.IsZero() {
		day = trip.EndedAt
	}
	csvPath := filepath.Join(p.csvDir, fmt.Sprintf("trips_%s.csv", day.UTC().Format("20060102")))

	_, statErr := os.Stat(csvPath)
	isNew := errors.Is(statErr, os.ErrNotExist)

	file, err := os.OpenFile(csvPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close CSV file")
		}
	}()

	writer := csv.NewWriter(file)
	if isNew {
		if err := writer.Write(csvHeader); err != nil {
			return "", fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	if err := writer.Write(csvRow(deviceID, trip)); err != nil {
		return "", fmt.Errorf("failed to write CSV row: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("failed to flush CSV file: %w", err)
	}

	log.Info().Str("csv_path", csvPath).Msg("Trip exported")
	return csvPath, nil
}

func csvRow(deviceID string, trip tracking.TripSummary) []string {
	coord := func(v float64, ok bool) string {
		if !ok {
			return ""
		}
		return fmt.Sprintf("%.6f", v)
	}

	row := []string{
		trip.SessionID,
		deviceID,
		trip.Destination.Label(),
		trip.StartedAt.UTC().Format(time.RFC3339),
		trip.EndedAt.UTC().Format(time.RFC3339),
		coord(0, false), coord(0, false), coord(0, false), coord(0, false),
		strconv.Itoa(trip.DistanceM),
		strconv.Itoa(int(trip.EndedAt.Sub(trip.StartedAt).Seconds())),
		strconv.Itoa(trip.AvgSpeedKmh),
		strconv.Itoa(trip.MaxSpeedKmh),
		string(trip.Mode),
		strconv.FormatBool(trip.Arrived),
	}
	if trip.Start != nil {
		row[5], row[6] = coord(trip.Start.Latitude, true), coord(trip.Start.Longitude, true)
	}
	if trip.End != nil {
		row[7], row[8] = coord(trip.End.Latitude, true), coord(trip.End.Longitude, true)
	}
	return row
}
