// Package config loads typed configuration from environment variables using
// github.com/caarlos0/env/v11, with optional dotenv files read through
// github.com/joho/godotenv.
//
// Each Load call parses into the caller's struct. There is no process-wide
// cache, so independent coordinators and tests never share configuration.
package config
