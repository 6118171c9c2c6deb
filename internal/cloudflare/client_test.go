package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autouam/autouam/internal/config"
)

// fakeZone mimics the Cloudflare v4 security_level endpoints.
type fakeZone struct {
	mu            sync.Mutex
	level         Level
	validToken    string
	gets          int
	patches       int
	patchAttempts int // every PATCH received, including rate-limited ones
	rateLimit     int // respond 429 to this many PATCHes before succeeding
	retryAfter    string
	verifications int
}

func (z *fakeZone) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/tokens/verify", func(w http.ResponseWriter, r *http.Request) {
		z.mu.Lock()
		defer z.mu.Unlock()
		z.verifications++
		if !z.authorized(r) {
			writeEnvelope(w, http.StatusForbidden, false, nil, "Invalid API token")
			return
		}
		writeEnvelope(w, http.StatusOK, true, map[string]string{"status": "active"}, "")
	})
	mux.HandleFunc("/zones/zone123/settings/security_level", func(w http.ResponseWriter, r *http.Request) {
		z.mu.Lock()
		defer z.mu.Unlock()
		if !z.authorized(r) {
			writeEnvelope(w, http.StatusForbidden, false, nil, "Invalid API token")
			return
		}
		switch r.Method {
		case http.MethodGet:
			z.gets++
			writeEnvelope(w, http.StatusOK, true,
				map[string]string{"id": "security_level", "value": string(z.level)}, "")
		case http.MethodPatch:
			z.patchAttempts++
			if z.rateLimit > 0 {
				z.rateLimit--
				w.Header().Set("Retry-After", z.retryAfter)
				writeEnvelope(w, http.StatusTooManyRequests, false, nil, "Rate limit exceeded")
				return
			}
			var body struct {
				Value Level `json:"value"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Value.Valid() {
				writeEnvelope(w, http.StatusBadRequest, false, nil, "Invalid security level")
				return
			}
			z.patches++
			z.level = body.Value
			writeEnvelope(w, http.StatusOK, true,
				map[string]string{"id": "security_level", "value": string(z.level)}, "")
		}
	})
	return mux
}

func (z *fakeZone) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+z.validToken
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, result interface{}, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := map[string]interface{}{"success": success, "result": result}
	if errMsg != "" {
		env["errors"] = []map[string]interface{}{{"code": 1000, "message": errMsg}}
	}
	json.NewEncoder(w).Encode(env)
}

// newTestClient builds a client against the fake zone with instant sleeps,
// recording every delay the retry policy would have waited.
func newTestClient(t *testing.T, zone *fakeZone, token string) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(zone.handler())
	t.Cleanup(srv.Close)

	client := NewClient(config.CloudflareConfig{
		APIToken: token,
		ZoneID:   "zone123",
		BaseURL:  srv.URL,
	}, zap.NewNop())

	var slept []time.Duration
	client.retry.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return client, &slept
}

func TestVerifyCredentials(t *testing.T) {
	zone := &fakeZone{level: LevelMedium, validToken: "good-token"}
	client, _ := newTestClient(t, zone, "good-token")

	assert.NoError(t, client.VerifyCredentials(context.Background()))
}

func TestVerifyCredentialsAuthFailureIsNotRetried(t *testing.T) {
	zone := &fakeZone{level: LevelMedium, validToken: "good-token"}
	client, _ := newTestClient(t, zone, "bad-token")

	err := client.VerifyCredentials(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusForbidden, authErr.StatusCode)
	assert.Equal(t, 1, zone.verifications, "auth failures must not be retried")
}

func TestGetSecurityLevel(t *testing.T) {
	zone := &fakeZone{level: LevelHigh, validToken: "good-token"}
	client, _ := newTestClient(t, zone, "good-token")

	level, err := client.GetSecurityLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, level)
}

func TestSetSecurityLevelWrites(t *testing.T) {
	zone := &fakeZone{level: LevelMedium, validToken: "good-token"}
	client, _ := newTestClient(t, zone, "good-token")

	require.NoError(t, client.SetSecurityLevel(context.Background(), LevelUnderAttack))
	assert.Equal(t, LevelUnderAttack, zone.level)
	assert.Equal(t, 1, zone.patches)
}

func TestSetSecurityLevelIsIdempotent(t *testing.T) {
	zone := &fakeZone{level: LevelUnderAttack, validToken: "good-token"}
	client, _ := newTestClient(t, zone, "good-token")

	require.NoError(t, client.SetSecurityLevel(context.Background(), LevelUnderAttack))
	assert.Equal(t, 1, zone.gets, "current level is queried first")
	assert.Equal(t, 0, zone.patches, "no write when the level already matches")
}

func TestSetSecurityLevelRejectsInvalidLevel(t *testing.T) {
	zone := &fakeZone{level: LevelMedium, validToken: "good-token"}
	client, _ := newTestClient(t, zone, "good-token")

	err := client.SetSecurityLevel(context.Background(), Level("extreme"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, zone.gets, "rejected before any request")
}

func TestSetSecurityLevelHonorsRetryAfter(t *testing.T) {
	zone := &fakeZone{
		level:      LevelMedium,
		validToken: "good-token",
		rateLimit:  1,
		retryAfter: "60",
	}
	client, slept := newTestClient(t, zone, "good-token")

	require.NoError(t, client.SetSecurityLevel(context.Background(), LevelUnderAttack))
	assert.Equal(t, LevelUnderAttack, zone.level)
	require.NotEmpty(t, *slept)
	assert.Contains(t, *slept, 60*time.Second, "server-provided delay honored")
}

func TestSetSecurityLevelRateLimitExhaustion(t *testing.T) {
	zone := &fakeZone{
		level:      LevelMedium,
		validToken: "good-token",
		rateLimit:  1000,
		retryAfter: "60",
	}
	client, _ := newTestClient(t, zone, "good-token")

	err := client.SetSecurityLevel(context.Background(), LevelUnderAttack)
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.LessOrEqual(t, rateErr.Waited, client.retry.MaxRateWait)
	assert.Equal(t, LevelMedium, zone.level, "level unchanged after giving up")
}

func TestSetSecurityLevelZeroRetryAfterBoundsRequests(t *testing.T) {
	zone := &fakeZone{
		level:      LevelMedium,
		validToken: "good-token",
		rateLimit:  1 << 20, // never stops limiting
		retryAfter: "0",
	}
	client, slept := newTestClient(t, zone, "good-token")

	err := client.SetSecurityLevel(context.Background(), LevelUnderAttack)
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)

	// A zero Retry-After is floored to BaseDelay, so the wait budget caps
	// the number of rounds instead of letting requests hammer the server.
	maxRounds := int(client.retry.MaxRateWait/client.retry.BaseDelay) + 2
	assert.LessOrEqual(t, zone.patchAttempts, maxRounds)
	assert.Greater(t, zone.patchAttempts, 1, "the limit is still retried at all")
	for _, d := range *slept {
		assert.GreaterOrEqual(t, d, client.retry.BaseDelay)
	}
}

func TestSetSecurityLevelRateLimitSurvivesContextExpiry(t *testing.T) {
	zone := &fakeZone{
		level:      LevelMedium,
		validToken: "good-token",
		rateLimit:  1 << 20,
		retryAfter: "60",
	}
	client, _ := newTestClient(t, zone, "good-token")
	client.retry.sleep = func(ctx context.Context, d time.Duration) error {
		return context.DeadlineExceeded
	}

	err := client.SetSecurityLevel(context.Background(), LevelUnderAttack)
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr,
		"a context expiring mid-wait still reports the rate limit")
}

func TestNetworkErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	client := NewClient(config.CloudflareConfig{
		APIToken: "good-token",
		ZoneID:   "zone123",
		BaseURL:  srv.URL,
	}, zap.NewNop())
	client.retry.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := client.GetSecurityLevel(context.Background())
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, client.retry.MaxAttempts, netErr.Attempts)
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/zones/zone123/settings/security_level", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(w, http.StatusOK, true, map[string]string{"value": "low"}, "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(config.CloudflareConfig{
		APIToken: "good-token",
		ZoneID:   "zone123",
		BaseURL:  srv.URL,
	}, zap.NewNop())
	client.retry.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	level, err := client.GetSecurityLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LevelLow, level)
	assert.Equal(t, 3, calls)
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"60", 60 * time.Second},
		{"1", time.Second},
		{"0", 0},
		{"", defaultRetryAfter},
		{"soon", defaultRetryAfter},
		{"-5", defaultRetryAfter},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry-after=%q", tt.header), func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header))
		})
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 25*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"essentially_off", "low", "medium", "high", "under_attack"} {
		level, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, Level(s), level)
	}
	_, err := ParseLevel("off")
	assert.Error(t, err)
}
