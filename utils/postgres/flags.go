/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"flag"
	"time"

	"go.corp.nvidia.com/osmo/utils"
)

// getEnv retrieves a string environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	return utils.GetEnv(key, defaultValue)
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	return utils.GetEnvInt(key, defaultValue)
}

// getEnvOrConfig checks the environment first, then the config file named by
// OSMO_CONFIG_FILE, then the default.
func getEnvOrConfig(envKey, configKey, defaultValue string) string {
	return utils.GetEnvOrConfig(envKey, configKey, defaultValue)
}

// PostgresFlagPointers holds pointers to flag values for PostgreSQL configuration
type PostgresFlagPointers struct {
	host               *string
	port               *int
	user               *string
	password           *string
	database           *string
	maxConns           *int
	minConns           *int
	maxConnLifetimeMin *int
	sslMode            *string
}

// RegisterPostgresFlags registers PostgreSQL-related command-line flags
// Returns a PostgresFlagPointers that should be converted to PostgresConfig
// after flag.Parse() is called
func RegisterPostgresFlags() *PostgresFlagPointers {
	return &PostgresFlagPointers{
		host: flag.String("postgres-host",
			getEnv("OSMO_POSTGRES_HOST", "localhost"),
			"PostgreSQL host"),
		port: flag.Int("postgres-port",
			getEnvInt("OSMO_POSTGRES_PORT", 5432),
			"PostgreSQL port"),
		user: flag.String("postgres-user",
			getEnv("OSMO_POSTGRES_USER", "postgres"),
			"PostgreSQL user"),
		password: flag.String("postgres-password",
			getEnvOrConfig("OSMO_POSTGRES_PASSWORD", "postgres_password", ""),
			"PostgreSQL password"),
		database: flag.String("postgres-db",
			getEnv("OSMO_POSTGRES_DB", "osmo_db"),
			"PostgreSQL database name"),
		maxConns: flag.Int("postgres-max-conns",
			getEnvInt("OSMO_POSTGRES_MAX_CONNS", 10),
			"Maximum number of PostgreSQL connections in the pool"),
		minConns: flag.Int("postgres-min-conns",
			getEnvInt("OSMO_POSTGRES_MIN_CONNS", 2),
			"Minimum number of PostgreSQL connections in the pool"),
		maxConnLifetimeMin: flag.Int("postgres-max-conn-lifetime-min",
			getEnvInt("OSMO_POSTGRES_MAX_CONN_LIFETIME_MIN", 30),
			"Maximum lifetime of a PostgreSQL connection in minutes"),
		sslMode: flag.String("postgres-ssl-mode",
			getEnv("OSMO_POSTGRES_SSL_MODE", "disable"),
			"PostgreSQL SSL mode (disable, prefer, require, verify-ca, verify-full)"),
	}
}

// ToPostgresConfig converts flag pointers to PostgresConfig
// This should be called after flag.Parse()
func (p *PostgresFlagPointers) ToPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            *p.host,
		Port:            *p.port,
		User:            *p.user,
		Password:        *p.password,
		Database:        *p.database,
		MaxConns:        int32(*p.maxConns),
		MinConns:        int32(*p.minConns),
		MaxConnLifetime: time.Duration(*p.maxConnLifetimeMin) * time.Minute,
		SSLMode:         *p.sslMode,
	}
}
