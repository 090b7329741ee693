package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/logging"
)

var districts = []string{
	"Gasabo", "Kicukiro", "Nyarugenge", "Musanze", "Huye",
	"Rubavu", "Muhanga", "Nyagatare", "Rusizi", "Kayonza",
}

var specialties = []string{
	"General Practice",
	"Pediatrics",
	"Obstetrics",
	"Cardiology",
	"Dermatology",
	"Internal Medicine",
	"Ophthalmology",
	"ENT",
	"Psychiatry",
	"Dentistry",
}

func main() {
	clinics := flag.Int("clinics", 10, "number of clinics")
	doctors := flag.Int("doctors", 100, "number of doctors")
	patients := flag.Int("patients", 9000, "number of patients")
	staff := flag.Int("staff", 10, "number of clinic staff users")
	flag.Parse()

	logger := logging.WithComponent(logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL")), "seed")
	logger.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	s := &seeder{pool: pool, faker: faker, logger: logger}

	run := context.Background()
	clinicIDs, err := s.seedClinics(run, *clinics)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed clinics")
	}
	if err := s.seedDoctors(run, *doctors, clinicIDs); err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	if err := s.seedUsers(run, "staff", *staff); err != nil {
		logger.Fatal().Err(err).Msg("seed staff")
	}
	if err := s.seedUsers(run, "patient", *patients); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

type seeder struct {
	pool   *pgxpool.Pool
	faker  *gofakeit.Faker
	logger zerolog.Logger
}

// phone returns a Rwandan mobile number on the MTN (078/079) or Airtel
// (072/073) ranges.
func (s *seeder) phone() string {
	prefixes := []string{"078", "079", "072", "073"}
	return s.faker.Numerify(prefixes[s.faker.Number(0, len(prefixes)-1)] + "#######")
}

func (s *seeder) insertUser(ctx context.Context, tx pgx.Tx, role string) (uuid.UUID, error) {
	id := uuid.New()
	first, last := s.faker.FirstName(), s.faker.LastName()
	_, err := tx.Exec(ctx, `
		INSERT INTO users (id, full_name, phone_number, email, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`, id, first+" "+last, s.phone(), s.faker.Email(), role)
	return id, err
}

func (s *seeder) seedClinics(ctx context.Context, count int) ([]uuid.UUID, error) {
	s.logger.Info().Int("count", count).Msg("seeding clinics")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		district := districts[i%len(districts)]
		name := fmt.Sprintf("%s %s Health Centre", district, s.faker.LastName())

		if _, err := tx.Exec(ctx, `
			INSERT INTO clinics (id, name, district, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, district); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *seeder) seedDoctors(ctx context.Context, count int, clinicIDs []uuid.UUID) error {
	s.logger.Info().Int("count", count).Msg("seeding doctors")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		userID, err := s.insertUser(ctx, tx, "doctor")
		if err != nil {
			return err
		}

		var clinicID *uuid.UUID
		if len(clinicIDs) > 0 {
			clinicID = &clinicIDs[i%len(clinicIDs)]
		}
		spec := specialties[s.faker.Number(0, len(specialties)-1)]
		// fees are whole thousands of francs between 5,000 and 30,000
		fee := s.faker.Number(5, 30) * 1000

		if _, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, user_id, clinic_id, specialty, consultation_fee_rwf, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, uuid.New(), userID, clinicID, spec, fee); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *seeder) seedUsers(ctx context.Context, role string, count int) error {
	s.logger.Info().Str("role", role).Int("count", count).Msg("seeding users")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			if _, err := s.insertUser(ctx, tx, role); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		s.logger.Info().Str("role", role).Msgf("seeded %d/%d", end, count)
	}
	return nil
}
