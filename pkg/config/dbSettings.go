package config

import "time"

// DbSettings holds configuration for the durable inbox store.
type DbSettings struct {
	Type            string        `mapstructure:"type" validate:"required,oneof=postgres spanner mongo memory"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI             string        `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	DBName          string        `mapstructure:"db_name" validate:"required_if=Type mongo"`
	Collection      string        `mapstructure:"collection"` // Mongo only
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ClaimLease      time.Duration `mapstructure:"claim_lease" validate:"gt=0"` // how long a claimed row stays reserved for its worker
}
