package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMapPlatform(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"facebook", "facebook"},
		{"Facebook", "facebook"},
		{"twitter", "x"},
		{"Twitter", "x"},
		{"  X  ", "x"},
		{"tiktok", "tiktok"},
		{"skool", "skool"},
		{"", "facebook"},
		{"carrier-pigeon", "facebook"},
	}
	for _, c := range cases {
		if got := MapPlatform(c.in); got != c.want {
			t.Errorf("MapPlatform(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMapAction(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"post:publish", "publish"},
		{"Post:PUBLISH", "publish"},
		{"engage", "engage"},
		{"schedule", "schedule"},
		{"some:unknown_action", "api_call"},
		{"nothing-here", "api_call"},
		{"", "api_call"},
	}
	for _, c := range cases {
		if got := MapAction(c.in); got != c.want {
			t.Errorf("MapAction(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNull_AlwaysAllows(t *testing.T) {
	var svc Service = Null{}
	res, err := svc.Check(context.Background(), CheckInput{ClientID: "acme"})
	if err != nil || !res.Allowed {
		t.Fatalf("expected Null to always allow, got %+v err %v", res, err)
	}
}

func TestSlidingWindow_AllowsUnderLimit(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 3, Window: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		res, err := sw.Check(context.Background(), CheckInput{ClientID: "acme", Action: "post:publish"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed under the limit, got %+v", i, res)
		}
	}
}

func TestSlidingWindow_DeniesOverLimit(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 2, Window: time.Minute}, nil)

	in := CheckInput{ClientID: "acme", Action: "post:publish"}
	for i := 0; i < 2; i++ {
		if res, _ := sw.Check(context.Background(), in); !res.Allowed {
			t.Fatalf("request %d should be allowed, got denied", i)
		}
	}

	res, err := sw.Check(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("third request should be denied once over the limit")
	}
	if res.RetryAfterMs <= 0 {
		t.Error("a denied result should carry a positive RetryAfterMs")
	}
}

func TestSlidingWindow_SeparatesClientsAndActions(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 1, Window: time.Minute}, nil)

	if res, _ := sw.Check(context.Background(), CheckInput{ClientID: "acme", Action: "post:publish"}); !res.Allowed {
		t.Fatal("first publish for acme should be allowed")
	}
	if res, _ := sw.Check(context.Background(), CheckInput{ClientID: "acme", Action: "post:publish"}); res.Allowed {
		t.Fatal("second publish for acme should be denied")
	}
	// A different client's counter is independent.
	if res, _ := sw.Check(context.Background(), CheckInput{ClientID: "other", Action: "post:publish"}); !res.Allowed {
		t.Error("a different client should not share acme's counter")
	}
	// A different action type for the same client is independent too.
	if res, _ := sw.Check(context.Background(), CheckInput{ClientID: "acme", Action: "post:engage"}); !res.Allowed {
		t.Error("a different action type should not share the publish counter")
	}
}

func TestSlidingWindow_ZeroLimitDisablesLimiting(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 0, Window: time.Minute}, nil)
	for i := 0; i < 5; i++ {
		res, _ := sw.Check(context.Background(), CheckInput{ClientID: "acme", Action: "post:publish"})
		if !res.Allowed {
			t.Fatalf("Limit: 0 should disable limiting entirely, denied at request %d", i)
		}
	}
}

func TestSlidingWindow_Reset(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 1, Window: time.Minute}, nil)
	in := CheckInput{ClientID: "acme", Action: "post:publish"}

	sw.Check(context.Background(), in)
	if res, _ := sw.Check(context.Background(), in); res.Allowed {
		t.Fatal("second request should be denied before reset")
	}

	sw.Reset("acme")
	if res, _ := sw.Check(context.Background(), in); !res.Allowed {
		t.Error("request after Reset should be allowed again")
	}
}
