package binlog

import (
	"fmt"
	"os"
)

// Append encodes records and appends them to the binlog at path,
// creating it if needed. Live traffic appends one record per mutation;
// recovery appends a fetched snapshot in bulk.
func Append(path string, records ...Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open binlog %s for append: %w", path, err)
	}
	defer f.Close()

	for _, rec := range records {
		if _, err := f.WriteString(Encode(rec)); err != nil {
			return fmt.Errorf("append to binlog %s: %w", path, err)
		}
	}
	return f.Sync()
}
