package security

import "testing"

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	if !rl.Allow("1.2.3.4") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("1.2.3.4") {
		t.Error("second request within burst should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request should exceed burst")
	}
	// Other identifiers get their own bucket.
	if !rl.Allow("5.6.7.8") {
		t.Error("fresh identifier should be allowed")
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	rl.Stop()
	// Stop must be idempotent and Allow must still be safe afterwards.
	rl.Stop()
	if !rl.Allow("1.2.3.4") {
		t.Error("Allow should still work after Stop")
	}
}
