package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
)

const (
	// RoleAsker may ask questions and generate SQL.
	RoleAsker = "asker"
	// RoleRunner may execute caller-supplied SQL.
	RoleRunner = "runner"
	// RoleAdmin may inspect and persist the cache and reload the schema.
	RoleAdmin = "admin"

	// AnyDataset grants access to every dataset.
	AnyDataset = "*"
)

type Identity struct {
	DatasetID string
	Roles     []string
}

func (i Identity) HasRole(role string) bool {
	for _, candidate := range i.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func (i Identity) CanAccess(datasetID string) bool {
	return i.DatasetID == AnyDataset || i.DatasetID == datasetID
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses comma separated key:dataset:role|role
// entries. A dataset of * matches every dataset.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:dataset:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		dataset := strings.TrimSpace(parts[1])
		if key == "" || dataset == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/dataset", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		roles := make([]string, 0, 2)
		for _, role := range strings.Split(strings.TrimSpace(parts[2]), "|") {
			role = strings.TrimSpace(role)
			if role == "" {
				continue
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		sort.Strings(roles)
		validator.keys[key] = Identity{DatasetID: dataset, Roles: roles}
	}

	return validator, nil
}

// Validate compares against every configured key in constant time.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	var (
		match Identity
		found bool
	)
	for key, identity := range v.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			match, found = identity, true
		}
	}
	return match, found
}
