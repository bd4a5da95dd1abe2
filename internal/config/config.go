// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Domain  string // bare hostname used in handles, e.g. stride.example
	BaseURL string // absolute instance URL, e.g. https://stride.example
	Port    string

	JWTSecret     string
	JWTExpiration time.Duration

	DatabaseURL      string
	DatabaseUser     string
	DatabasePassword string

	WeatherEnabled bool
	WeatherAPIKey  string

	OSMTilesEnabled     bool
	RegistrationEnabled bool

	LogLevel string
}

// Load reads configuration from environment variables. Exits when a required
// variable (JWT_SECRET) is missing.
func Load() *Config {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "ERROR: JWT_SECRET is not set!")
		fmt.Fprintln(os.Stderr, "Set it to a long random string used to sign session tokens.")
		os.Exit(1)
	}

	domain := getEnv("DOMAIN", "localhost")
	baseURL := getEnv("BASE_URL", "http://"+domain+":8080")

	weatherEnabled := getEnv("WEATHER_ENABLED", "false") == "true"
	if weatherEnabled && os.Getenv("WEATHER_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "ERROR: WEATHER_ENABLED is true but WEATHER_API_KEY is not set!")
		os.Exit(1)
	}

	return &Config{
		Domain:              domain,
		BaseURL:             strings.TrimRight(baseURL, "/"),
		Port:                getEnv("PORT", "8080"),
		JWTSecret:           secret,
		JWTExpiration:       time.Duration(parseInt(os.Getenv("JWT_EXPIRATION_MS"), 86400000)) * time.Millisecond,
		DatabaseURL:         getEnv("DB_URL", "stride.db"),
		DatabaseUser:        os.Getenv("DB_USER"),
		DatabasePassword:    os.Getenv("DB_PASSWORD"),
		WeatherEnabled:      weatherEnabled,
		WeatherAPIKey:       os.Getenv("WEATHER_API_KEY"),
		OSMTilesEnabled:     getEnv("OSM_TILES_ENABLED", "true") != "false",
		RegistrationEnabled: getEnv("REGISTRATION_ENABLED", "true") != "false",
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

// URL returns the parsed instance base URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.BaseURL)
	return u
}

// Abs constructs an absolute URL from a path.
func (c *Config) Abs(path string) string {
	return c.BaseURL + path
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
