package db

import "time"

// Config holds database configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
	LogQueries      bool
}

// dsn builds the sqlite3 connection string with the pragmas every connection needs
func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	return c.Path + "?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000" +
		"&_busy_timeout=" + itoa(busy.Milliseconds())
}
