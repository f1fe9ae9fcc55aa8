package store

import "fmt"

// New creates a Store for the given driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
