package engine

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/model"
)

func TestCommentaryPerRuleType(t *testing.T) {
	g := &OfferGenerator{logger: zap.NewNop()}
	ctx := context.Background()

	cases := []struct {
		rule model.Rule
		want string
	}{
		{model.Rule{Type: model.RuleTypePurchaseCount, ConditionValue: 5},
			"Offer generated after 5 purchases"},
		{model.Rule{Type: model.RuleTypeCumulativeAmount, ConditionValue: 500},
			"Offer generated after 500.00 in cumulative purchases"},
		{model.Rule{Type: model.RuleTypeFirstVisit},
			"Welcome offer"},
		{model.Rule{Type: model.RuleTypeBirthday},
			"Birthday offer"},
		{model.Rule{Type: model.RuleTypeInactivity, ConditionValue: 60},
			"Reactivation offer after 60 days of inactivity"},
	}
	for _, tc := range cases {
		if got := g.commentary(ctx, tc.rule); got != tc.want {
			t.Errorf("%s: commentary = %q, want %q", tc.rule.Type, got, tc.want)
		}
	}

	unknown := model.Rule{Type: model.RuleType("mystery"), Name: "odd rule"}
	if got := g.commentary(ctx, unknown); !strings.Contains(got, "odd rule") {
		t.Errorf("unknown type commentary = %q, want the rule name", got)
	}
}
