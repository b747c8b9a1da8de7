package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminder-engine/internal/config"
	"github.com/hackgods/appointment-reminder-engine/internal/db"
	"github.com/hackgods/appointment-reminder-engine/internal/logging"
)

// SimConfig drives a booking contention run against a live api-server.
// Slots are drawn from a small window so concurrent workers collide.
type SimConfig struct {
	APIBaseURL       string
	Duration         time.Duration
	Workers          int
	BookingRatio     float64
	RescheduleRatio  float64
	CancelRatio      float64
	ReadRatio        float64
	DoctorLimit      int
	PatientLimit     int
	WindowDays       int
	FollowSuggestion bool
	PostgresDSN      string
	Hours            [2]int
	Location         *time.Location
}

type DataPool struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID
	Slots    []time.Time

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pick(50), pick(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Booking      OperationMetrics
	Suggested    OperationMetrics
	Reschedule   OperationMetrics
	Cancel       OperationMetrics
	Read         OperationMetrics
	Availability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "prod")
		fallback.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(baseCfg.LogLevel, baseCfg.Env).With().Str("service", "simulate").Logger()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid simulation config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg, time.Now())
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}

	logger.Info().
		Int("doctors", len(dataPool.Doctors)).
		Int("patients", len(dataPool.Patients)).
		Int("slots", len(dataPool.Slots)).
		Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:       getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:         getDuration("SIM_DURATION", 30*time.Second),
		Workers:          getInt("SIM_WORKERS", 10),
		BookingRatio:     getFloat("SIM_BOOKING_RATIO", 0.5),
		RescheduleRatio:  getFloat("SIM_RESCHEDULE_RATIO", 0.15),
		CancelRatio:      getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:        getFloat("SIM_READ_RATIO", 0.25),
		DoctorLimit:      getInt("SIM_DOCTOR_LIMIT", 5),
		PatientLimit:     getInt("SIM_PATIENT_LIMIT", 500),
		WindowDays:       getInt("SIM_WINDOW_DAYS", 3),
		FollowSuggestion: getEnv("SIM_FOLLOW_SUGGESTION", "true") == "true",
		PostgresDSN:      base.PostgresDSN,
		Hours:            [2]int{base.BusinessHoursStart, base.BusinessHoursEnd},
		Location:         base.Location(),
	}

	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.WindowDays <= 0 {
		return fmt.Errorf("SIM_WINDOW_DAYS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig, now time.Time) (*DataPool, error) {
	dataPool := &DataPool{}

	doctors, err := loadIDs(ctx, pool, `SELECT id FROM doctors ORDER BY id LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	patients, err := loadIDs(ctx, pool, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	if len(doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded")
	}
	if len(patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}

	dataPool.Doctors = doctors
	dataPool.Patients = patients
	dataPool.Slots = businessSlots(now, cfg.WindowDays, cfg.Hours, cfg.Location)
	return dataPool, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// businessSlots lists half-hour starts over `days` weekdays starting from
// the day after tomorrow so every booking is far enough out to get a reminder.
func businessSlots(now time.Time, days int, hours [2]int, loc *time.Location) []time.Time {
	var slots []time.Time
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	for added := 0; added < days; {
		day = day.AddDate(0, 0, 1)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		for t := day.Add(time.Duration(hours[0]) * time.Hour); t.Hour() < hours[1] && t.Day() == day.Day(); t = t.Add(30 * time.Minute) {
			slots = append(slots, t)
		}
		added++
	}
	return slots
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doRead(ctx, rng)
			} else {
				s.doAvailability(ctx, rng)
			}
		}
	}
}

type bookingResult struct {
	ID          uuid.UUID   `json:"id"`
	Suggestions []time.Time `json:"suggestions"`
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	at := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	status, res, err := s.book(ctx, doctorID, patientID, at, &s.metrics.Booking)
	if err != nil || status != http.StatusConflict || !s.config.FollowSuggestion || len(res.Suggestions) == 0 {
		return
	}
	s.book(ctx, doctorID, patientID, res.Suggestions[0], &s.metrics.Suggested)
}

func (s *Simulator) book(ctx context.Context, doctorID, patientID uuid.UUID, at time.Time, om *OperationMetrics) (int, bookingResult, error) {
	body := map[string]string{
		"doctor_id":    doctorID.String(),
		"patient_id":   patientID.String(),
		"scheduled_at": at.Format(time.RFC3339),
	}

	var res bookingResult
	status, err := s.call(ctx, http.MethodPost, "/appointments", body, &res, om)
	if err == nil && status == http.StatusCreated && res.ID != uuid.Nil {
		s.pool.AddAppointment(res.ID)
	}
	return status, res, err
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	at := s.pool.Slots[rng.Intn(len(s.pool.Slots))].Format(time.RFC3339)
	s.call(ctx, http.MethodPatch, "/appointments/"+apptID.String(), map[string]*string{"scheduled_at": &at}, nil, &s.metrics.Reschedule)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.call(ctx, http.MethodPost, "/appointments/"+apptID.String()+"/cancel", nil, nil, &s.metrics.Cancel)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.call(ctx, http.MethodGet, "/appointments/"+apptID.String(), nil, nil, &s.metrics.Read)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	at := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	path := fmt.Sprintf("/doctors/%s/availability?at=%s", doctorID, at.UTC().Format(time.RFC3339))
	s.call(ctx, http.MethodGet, path, nil, nil, &s.metrics.Availability)
}

// call sends one request and records it. A cancelled run context is not
// counted as an error.
func (s *Simulator) call(ctx context.Context, method, path string, body any, out any, om *OperationMetrics) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, 0, err)
		}
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && (resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict) {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	om.Record(latency, resp.StatusCode, nil)
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Slots: %d across %d doctors\n", len(s.pool.Slots), len(s.pool.Doctors))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Booking (suggested slot)", &s.metrics.Suggested)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.Read)
	printOperationReport("Availability", &s.metrics.Availability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
