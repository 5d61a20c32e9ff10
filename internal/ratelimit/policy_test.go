package ratelimit

import "testing"

func TestPolicyResolveKey(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		id     Identity
		want   string
	}{
		{name: "user placeholder", policy: Policy{Key: "order:submit:{userId}"}, id: Identity{UserID: "42"}, want: "rate_limit:order:submit:42"},
		{name: "anonymous user", policy: Policy{Key: "order:submit:{userId}"}, want: "rate_limit:order:submit:anonymous"},
		{name: "ip placeholder", policy: Policy{Key: "login:{ip}"}, id: Identity{IP: "10.1.1.1"}, want: "rate_limit:login:10.1.1.1"},
		{name: "unknown ip", policy: Policy{Key: "login:{ip}"}, want: "rate_limit:login:unknown"},
		{name: "both", policy: Policy{Key: "pay:{userId}:{ip}"}, id: Identity{UserID: "u", IP: "ip"}, want: "rate_limit:pay:u:ip"},
		{name: "static key", policy: Policy{Key: "global"}, id: Identity{UserID: "u"}, want: "rate_limit:global"},
		{name: "name fallback", policy: Policy{Name: "OrderService.Pay"}, want: "rate_limit:OrderService.Pay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ResolveKey(tt.id); got != tt.want {
				t.Fatalf("ResolveKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPolicyWithDefaults(t *testing.T) {
	p := Policy{Name: "x"}.WithDefaults()
	if p.Algorithm != AlgorithmFixedWindow || p.WindowSeconds != 1 || p.Limit != 10 {
		t.Fatalf("unexpected fixed window defaults: %+v", p)
	}
	if p.Capacity != 10 || p.Rate != 10 || p.Requested != 1 {
		t.Fatalf("unexpected bucket defaults: %+v", p)
	}
	if p.Message != defaultMessage {
		t.Fatalf("unexpected message: %q", p.Message)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := []Policy{
		{Name: "a", Algorithm: "sliding"},
		{Name: "b", Algorithm: AlgorithmFixedWindow, WindowSeconds: 0, Limit: 1},
		{Name: "c", Algorithm: AlgorithmTokenBucket, Capacity: 1, Rate: 1, Requested: 2},
		{Algorithm: AlgorithmFixedWindow, WindowSeconds: 1, Limit: 1},
	}
	for _, p := range cases {
		if err := p.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", p)
		}
	}
}
