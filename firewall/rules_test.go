package firewall

import "testing"

type level int

func TestAskRuleHasNoPermissionCheck(t *testing.T) {
	r := Ask[level]()
	if !r.IsAsk() {
		t.Fatal("expected Ask rule")
	}
}

func TestPermissionRulePermits(t *testing.T) {
	r := PermissionRule[level](PermissionFunc[level](func(v level) bool { return v >= 5 }))
	if r.IsAsk() {
		t.Fatal("expected a permission rule, not Ask")
	}
	if r.Permits(4) {
		t.Fatal("4 should not be permitted")
	}
	if !r.Permits(5) {
		t.Fatal("5 should be permitted")
	}
}

func TestFirewallRulesRuleFor(t *testing.T) {
	in := Ask[level]()
	out := PermissionRule[level](PermissionFunc[level](func(level) bool { return true }))
	rules := FirewallRules[level]{InboundRule: &in, OutboundRule: &out}

	if rules.RuleFor(Inbound) != &in {
		t.Fatal("expected inbound rule")
	}
	if rules.RuleFor(Outbound) != &out {
		t.Fatal("expected outbound rule")
	}
}

func TestRuleDirectionCoverage(t *testing.T) {
	if !RuleBoth.IsInbound() || !RuleBoth.IsOutbound() {
		t.Fatal("RuleBoth should cover both directions")
	}
	if RuleInbound.IsOutbound() {
		t.Fatal("RuleInbound should not cover outbound")
	}
	if RuleOutbound.IsInbound() {
		t.Fatal("RuleOutbound should not cover inbound")
	}
}
