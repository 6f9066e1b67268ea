package timeutil

import (
	"fmt"
	"time"
)

// LoadZone resolves a zone name for day boundaries in reports. Empty and
// "Local" mean the host zone; anything else must exist in the tz database.
func LoadZone(name string) (*time.Location, error) {
	switch name {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", name, err)
	}
	return loc, nil
}
