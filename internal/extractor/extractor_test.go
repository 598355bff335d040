package extractor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/revos/internal/tokenmanager"
	"github.com/florianilch/revos/internal/tokensource"
)

// fakeFetcher hands out sequentially numbered tokens.
type fakeFetcher struct {
	mu  sync.Mutex
	seq int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ tokensource.Method) (*tokensource.Record, error) {
	f.mu.Lock()
	f.seq++
	token := fmt.Sprintf("token-%d", f.seq)
	f.mu.Unlock()

	now := time.Now()
	return &tokensource.Record{
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}, nil
}

func testProfile() Profile {
	return Profile{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
	}
}

func testPolicy() tokenmanager.Policy {
	return tokenmanager.Policy{
		RefreshInterval:           time.Minute,
		ExpiryBuffer:              time.Second,
		MaxFailuresBeforeFallback: 3,
		EnableFallback:            true,
	}
}

// warmManager builds a slot with an active, warmed manager.
func warmManager(t *testing.T) (*tokenmanager.Slot, *tokenmanager.Manager) {
	t.Helper()

	slot := tokenmanager.NewSlot()
	manager, err := tokenmanager.New(&fakeFetcher{}, testPolicy(), tokenmanager.WithSlot(slot))
	require.NoError(t, err)
	require.True(t, manager.ForceRefresh(context.Background()))
	slot.SetActive(manager)
	return slot, manager
}

// messagesResponse fabricates a minimal Anthropic messages API reply with
// the given text content.
func messagesResponse(text string) string {
	return fmt.Sprintf(`{
		"id": "msg_test",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [{"type": "text", "text": %q}],
		"stop_reason": "end_turn",
		"stop_sequence": null,
		"usage": {"input_tokens": 10, "output_tokens": 10}
	}`, text)
}

func TestNewRegistersAndAppliesCachedToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messagesResponse(`{"ok":true}`)))
	}))
	defer server.Close()

	slot, manager := warmManager(t)

	e, err := New("default", testProfile(), WithSlot(slot), WithBaseURL(server.URL))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 1, manager.Observers(), "constructor registers as observer")

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, e.Extract(context.Background(), "extract ok", "input text", &out))
	assert.True(t, out.OK)
	assert.Equal(t, "Bearer token-1", gotAuth, "cached token applied synchronously at construction")
}

func TestObserverPushSwapsToken(t *testing.T) {
	var mu sync.Mutex
	var auths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messagesResponse(`{}`)))
	}))
	defer server.Close()

	slot, manager := warmManager(t)

	e, err := New("default", testProfile(), WithSlot(slot), WithBaseURL(server.URL))
	require.NoError(t, err)
	defer e.Close()

	var out map[string]any
	require.NoError(t, e.Extract(context.Background(), "noop", "x", &out))

	// Manager refresh pushes a new token to the registered extractor.
	require.True(t, manager.ForceRefresh(context.Background()))
	require.NoError(t, e.Extract(context.Background(), "noop", "x", &out))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, auths, 2)
	assert.Equal(t, "Bearer token-1", auths[0])
	assert.Equal(t, "Bearer token-2", auths[1])
}

func TestUnauthorizedTriggersOneRefreshAndRetry(t *testing.T) {
	var mu sync.Mutex
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"token expired"}}`))
			return
		}

		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"), "retry must carry the refreshed token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messagesResponse(`{"retried":true}`)))
	}))
	defer server.Close()

	slot, _ := warmManager(t)

	e, err := New("default", testProfile(), WithSlot(slot), WithBaseURL(server.URL))
	require.NoError(t, err)
	defer e.Close()

	var out struct {
		Retried bool `json:"retried"`
	}
	require.NoError(t, e.Extract(context.Background(), "extract", "input", &out))
	assert.True(t, out.Retried)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, requests)
}

func TestStandaloneFallbackWithoutManager(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messagesResponse(`{}`)))
	}))
	defer server.Close()

	emptySlot := tokenmanager.NewSlot()

	e, err := New("standalone", testProfile(),
		WithSlot(emptySlot),
		WithFetcher(&fakeFetcher{}),
		WithBaseURL(server.URL),
	)
	require.NoError(t, err)
	defer e.Close()

	var out map[string]any
	require.NoError(t, e.Extract(context.Background(), "noop", "x", &out))
	assert.Equal(t, "Bearer token-1", gotAuth)
}

func TestConstructionFailsWithoutManagerOrFetcher(t *testing.T) {
	_, err := New("orphan", testProfile(), WithSlot(tokenmanager.NewSlot()))
	require.Error(t, err)
}

func TestApplyNewTokenRejectsEmpty(t *testing.T) {
	slot, _ := warmManager(t)

	e, err := New("default", testProfile(), WithSlot(slot))
	require.NoError(t, err)
	defer e.Close()

	assert.Error(t, e.ApplyNewToken(""))
	assert.NoError(t, e.ApplyNewToken("fresh"))
}

func TestExtractStripsCodeFences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messagesResponse("```json\n{\"name\":\"Ada\"}\n```")))
	}))
	defer server.Close()

	slot, _ := warmManager(t)

	e, err := New("default", testProfile(), WithSlot(slot), WithBaseURL(server.URL))
	require.NoError(t, err)
	defer e.Close()

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, e.Extract(context.Background(), "extract the name", "Ada wrote the notes", &out))
	assert.Equal(t, "Ada", out.Name)
}

func TestSetBuildsAndCloses(t *testing.T) {
	slot, manager := warmManager(t)

	set, err := NewSet(map[string]Profile{
		"fast": {Model: "claude-haiku-4-5", MaxTokens: 256},
		"deep": {Model: "claude-opus-4-1", MaxTokens: 4096},
	}, WithSlot(slot))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"fast", "deep"}, set.Names())
	assert.Equal(t, 2, manager.Observers())

	_, ok := set.Get("fast")
	assert.True(t, ok)
	_, ok = set.Get("missing")
	assert.False(t, ok)

	set.Close()
	assert.Equal(t, 0, manager.Observers(), "closing the set unregisters every extractor")
}
