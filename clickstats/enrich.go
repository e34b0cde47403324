package clickstats

import (
	"context"
	"errors"
	"fmt"
)

// StaticEnricher resolves category names from a fixed table, typically the
// category_names section of the config file.
type StaticEnricher map[int64]string

func (s StaticEnricher) CategoryName(_ context.Context, categoryID int64) (string, error) {
	name, ok := s[categoryID]
	if !ok {
		return "", fmt.Errorf("category %d: %w", categoryID, errUnknownCategory)
	}
	return name, nil
}

var errUnknownCategory = errors.New("no display name")
