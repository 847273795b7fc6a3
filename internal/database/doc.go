// Package database builds the pgx connection pool for the recorder.
package database
