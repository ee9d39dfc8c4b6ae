package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jkaberg/nova-driver/internal/domain"
)

// LoadChargers reads the known charger list from a JSON array file.
func LoadChargers(path string) ([]domain.Charger, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chargers file: %w", err)
	}
	var chargers []domain.Charger
	if err := json.Unmarshal(raw, &chargers); err != nil {
		return nil, fmt.Errorf("parse chargers file: %w", err)
	}
	for i, c := range chargers {
		if c.ID == "" {
			return nil, fmt.Errorf("charger #%d has no id", i)
		}
	}
	return chargers, nil
}
