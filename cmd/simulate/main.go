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

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/config"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/logging"
	"github.com/hackgods/patient-appointments/internal/session"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	PayRatio        float64
	CancelRatio     float64
	RescheduleRatio float64
	ReadRatio       float64
	PatientLimit    int
	DoctorLimit     int
	// HorizonDays bounds how far ahead bookings land; a short horizon
	// concentrates traffic on few slots and exercises the conflict paths.
	HorizonDays int
}

type patient struct {
	ID    uuid.UUID
	Phone string
	Token string
}

type doctor struct {
	ID     uuid.UUID
	FeeRWF int
}

type booked struct {
	ID      uuid.UUID
	Patient *patient
}

type DataPool struct {
	Patients []*patient
	Doctors  []doctor

	mu           sync.RWMutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
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

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		return latencies[min(len(latencies)*pct/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], at(50), at(95)
}

type Metrics struct {
	Booking    OperationMetrics
	Pay        OperationMetrics
	Cancel     OperationMetrics
	Reschedule OperationMetrics
	ReadByID   OperationMetrics
	List       OperationMetrics
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
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.WithComponent(logging.New(baseCfg.Env, baseCfg.LogLevel), "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("pay", cfg.PayRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	auth := session.NewAuthenticator(baseCfg.JWTSecret, baseCfg.JWTIssuer)
	dataPool, err := loadDataPool(ctx, pgPool, auth, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("patients", len(dataPool.Patients)).Int("doctors", len(dataPool.Doctors)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.35),
		PayRatio:        getFloat("SIM_PAY_RATIO", 0.2),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.05),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.1),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		DoctorLimit:     getInt("SIM_DOCTOR_LIMIT", 100),
		HorizonDays:     getInt("SIM_HORIZON_DAYS", 7),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.PayRatio + cfg.CancelRatio + cfg.RescheduleRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.PayRatio /= total
		cfg.CancelRatio /= total
		cfg.RescheduleRatio /= total
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
	if cfg.HorizonDays <= 0 {
		return fmt.Errorf("SIM_HORIZON_DAYS must be > 0")
	}
	return nil
}

// loadDataPool reads seeded patients and doctors and mints a session token
// for every patient so the simulator talks to the API the way a client app does.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, auth *session.Authenticator, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id, COALESCE(phone_number, '') FROM users WHERE role = 'patient' LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		p := &patient{}
		if err := rows.Scan(&p.ID, &p.Phone); err != nil {
			rows.Close()
			return nil, err
		}
		p.Token, err = auth.Issue(session.Session{UserID: p.ID, Role: session.RolePatient, Phone: p.Phone}, cfg.Duration+time.Hour)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("issue token: %w", err)
		}
		dataPool.Patients = append(dataPool.Patients, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT id, consultation_fee_rwf FROM doctors WHERE consultation_fee_rwf > 0 LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d doctor
		if err := rows.Scan(&d.ID, &d.FeeRWF); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded, run cmd/seed first")
	}
	return dataPool, nil
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
	seed := time.Now().UnixNano() + int64(workerID)
	rng := rand.New(rand.NewSource(seed))
	faker := gofakeit.New(uint64(seed))

	c := s.config
	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng, faker)
		case r < c.BookingRatio+c.PayRatio:
			s.doPay(ctx, rng)
		case r < c.BookingRatio+c.PayRatio+c.CancelRatio:
			s.doCancel(ctx, rng, faker)
		case r < c.BookingRatio+c.PayRatio+c.CancelRatio+c.RescheduleRatio:
			s.doReschedule(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doReadByID(ctx, rng)
			} else {
				s.doList(ctx, rng)
			}
		}
	}
}

// randomSlot picks a half-hour slot between 08:00 and 16:30 within the horizon.
func (s *Simulator) randomSlot(rng *rand.Rand) (string, string) {
	date := time.Now().AddDate(0, 0, 1+rng.Intn(s.config.HorizonDays))
	minutes := 8*60 + 30*rng.Intn(18)
	return date.Format("2006-01-02"), fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// call sends one authenticated JSON request and decodes a 2xx body into out.
func (s *Simulator) call(ctx context.Context, method, path, token string, in, out any) (int, error) {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func (s *Simulator) record(om *OperationMetrics, start time.Time, status int, err error, ok ...int) {
	success := false
	for _, code := range ok {
		if status == code {
			success = true
		}
	}
	om.Record(time.Since(start), err == nil && success, err == nil && status == http.StatusConflict)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	d := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	date, tod := s.randomSlot(rng)
	methods := []string{"in_person", "video", "phone", "sms"}

	reqBody := map[string]any{
		"doctor_id":            d.ID.String(),
		"appointment_date":     date,
		"appointment_time":     tod,
		"method":               methods[rng.Intn(len(methods))],
		"consultation_fee_rwf": d.FeeRWF,
		"reason_for_visit":     faker.Sentence(6),
		"symptoms":             []string{faker.Word(), faker.Word()},
	}

	start := time.Now()
	var out struct {
		Appointment struct {
			ID uuid.UUID `json:"id"`
		} `json:"appointment"`
	}
	status, err := s.call(ctx, http.MethodPost, "/appointments", p.Token, reqBody, &out)
	if err == nil && status == http.StatusCreated && out.Appointment.ID != uuid.Nil {
		s.pool.AddAppointment(booked{ID: out.Appointment.ID, Patient: p})
	}
	s.record(&s.metrics.Booking, start, status, err, http.StatusCreated)
}

func (s *Simulator) doPay(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok || b.Patient.Phone == "" {
		return
	}
	method := "mtn_momo"
	if strings.HasPrefix(b.Patient.Phone, "072") || strings.HasPrefix(b.Patient.Phone, "073") {
		method = "airtel_money"
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/pay", b.Patient.Token,
		map[string]string{"method": method, "phone_number": b.Patient.Phone}, nil)
	s.record(&s.metrics.Pay, start, status, err, http.StatusAccepted, http.StatusCreated, http.StatusOK)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/cancel", b.Patient.Token,
		map[string]string{"reason": faker.Sentence(4)}, nil)
	s.record(&s.metrics.Cancel, start, status, err, http.StatusOK)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	date, tod := s.randomSlot(rng)
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/reschedule", b.Patient.Token,
		map[string]string{"appointment_date": date, "appointment_time": tod}, nil)
	s.record(&s.metrics.Reschedule, start, status, err, http.StatusOK)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/appointments/"+b.ID.String(), b.Patient.Token, nil, nil)
	s.record(&s.metrics.ReadByID, start, status, err, http.StatusOK)
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/appointments", p.Token, nil, nil)
	s.record(&s.metrics.List, start, status, err, http.StatusOK)
}

func (s *Simulator) PrintReport() {
	line := strings.Repeat("=", 80)
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Pay", &s.metrics.Pay)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
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
