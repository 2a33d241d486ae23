package pg

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/eternisai/channel-relay/internal/config"
	_ "github.com/lib/pq"
)

// Database bundles the connection pool with the typed repositories.
type Database struct {
	DB           *sql.DB
	Users        *UserRepo
	Sessions     *SessionRepo
	Sources      *SourceRepo
	Destinations *DestinationRepo
	Deliveries   *DeliveryRepo
}

// InitDatabase opens the connection pool and runs migrations.
func InitDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.AppConfig.DBMaxOpenConns)
	db.SetMaxIdleConns(config.AppConfig.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(config.AppConfig.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(config.AppConfig.DBConnMaxLifetime) * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{
		DB:           db,
		Users:        &UserRepo{db: db},
		Sessions:     &SessionRepo{db: db},
		Sources:      &SourceRepo{db: db},
		Destinations: &DestinationRepo{db: db},
		Deliveries:   &DeliveryRepo{db: db},
	}, nil
}

// Close releases the connection pool.
func (d *Database) Close() error {
	return d.DB.Close()
}
