package pushrules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/roomsync/internal/accountdata"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("pushrules: database handle is required")

// Service reads the rule sets stored as m.push_rules account data.
type Service struct {
	db *gorm.DB
}

// NewService constructs a Service.
func NewService(database *gorm.DB) (*Service, error) {
	if database == nil {
		return nil, errMissingDatabase
	}
	return &Service{db: database}, nil
}

// GetPushRules returns the rule set of the scope. Missing account data yields an empty set.
func (s *Service) GetPushRules(ctx context.Context, scope Scope) (RuleSet, error) {
	content, ok, err := accountdata.Content(s.db.WithContext(ctx), accountdata.TypePushRules)
	if err != nil {
		return RuleSet{}, fmt.Errorf("pushrules: load: %w", err)
	}
	if !ok {
		return RuleSet{}, nil
	}
	return decodeScope(content, scope)
}

func decodeScope(content map[string]any, scope Scope) (RuleSet, error) {
	raw, ok := content[string(scope)]
	if !ok {
		return RuleSet{}, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return RuleSet{}, fmt.Errorf("pushrules: encode %s: %w", scope, err)
	}
	var rules RuleSet
	if err := json.Unmarshal(encoded, &rules); err != nil {
		return RuleSet{}, fmt.Errorf("pushrules: decode %s: %w", scope, err)
	}
	return rules, nil
}
