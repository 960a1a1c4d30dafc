package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metertun/metertun/internal/config"
)

type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	ID                string     `yaml:"id"`
	ExpiresAt         *time.Time `yaml:"expiresAt"`
	TrafficLimitBytes *int64     `yaml:"trafficLimitBytes"`
	TrafficUsedBytes  int64      `yaml:"trafficUsedBytes"`
	IPLimit           *int       `yaml:"ipLimit"`
}

// LoadSeed reads account definitions from a YAML file. Omitted quotas are
// unlimited; an omitted expiry means the account never expires.
func LoadSeed(path string) ([]Account, error) {
	var file seedFile
	if err := config.LoadYAML(path, &file); err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(file.Accounts))
	for i, entry := range file.Accounts {
		id, err := uuid.Parse(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("account %d: invalid id %q: %w", i, entry.ID, err)
		}
		acct := Account{
			ID:           id,
			TrafficLimit: Unlimited,
			TrafficUsed:  entry.TrafficUsedBytes,
			IPLimit:      Unlimited,
		}
		if entry.ExpiresAt != nil {
			acct.ExpiresAt = *entry.ExpiresAt
		} else {
			// far enough out to behave as "never"
			acct.ExpiresAt = time.Now().AddDate(100, 0, 0)
		}
		if entry.TrafficLimitBytes != nil {
			acct.TrafficLimit = *entry.TrafficLimitBytes
		}
		if entry.IPLimit != nil {
			acct.IPLimit = *entry.IPLimit
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}
