// Package persistence stores finished job transcripts so the admin log survives restarts.
// SQLite in WAL mode is the only backend.
package persistence
