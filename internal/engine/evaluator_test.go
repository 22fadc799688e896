package engine

import (
	"database/sql"
	"testing"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/model"
)

func TestSegmentsDegradeOnMalformedJSON(t *testing.T) {
	e := &EligibilityEvaluator{logger: zap.NewNop()}

	rule := model.Rule{ID: 1, TargetSegments: sql.NullString{String: `{"oops`, Valid: true}}
	if got := e.segments(rule); got != nil {
		t.Errorf("malformed segments should degrade to nil, got %v", got)
	}

	rule.TargetSegments = sql.NullString{String: `["vip","new"]`, Valid: true}
	got := e.segments(rule)
	if len(got) != 2 || got[0] != "vip" || got[1] != "new" {
		t.Errorf("segments = %v, want [vip new]", got)
	}

	rule.TargetSegments = sql.NullString{}
	if got := e.segments(rule); got != nil {
		t.Errorf("null segments should be nil, got %v", got)
	}
}
