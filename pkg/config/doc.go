// Package config loads application configuration from environment variables.
//
// All variables carry the COMMONS_ prefix. LoadConfig applies defaults,
// parses, and validates; the rest of the application never reads the
// environment directly.
package config
