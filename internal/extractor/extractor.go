package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/florianilch/revos/internal/tokenmanager"
	"github.com/florianilch/revos/internal/tokensource"
)

// Profile selects the model and sampling parameters one extractor uses.
type Profile struct {
	Model       string  `koanf:"model" validate:"required"`
	Temperature float64 `koanf:"temperature" validate:"gte=0,lte=1"`
	MaxTokens   int64   `koanf:"max_tokens" validate:"gt=0"`
	Description string  `koanf:"description"`
}

// Extractor extracts structured data from text via the gateway's LLM
// endpoint. Safe for concurrent use.
type Extractor struct {
	name    string
	profile Profile
	client  anthropic.Client

	// token holds the current bearer token as a string. Observer deliveries
	// store it and request building loads it, so a delivery always
	// happens-before the next request that uses it.
	token atomic.Value

	// manager is nil in standalone mode.
	manager *tokenmanager.Manager
}

// Compile-time check that Extractor satisfies the observer capability.
var _ tokenmanager.Observer = (*Extractor)(nil)

type options struct {
	slot    *tokenmanager.Slot
	fetcher tokenmanager.TokenFetcher
	baseURL string
}

// Option configures an Extractor at construction.
type Option func(*options)

// WithSlot looks up the active manager in the given slot instead of the
// process-wide default.
func WithSlot(slot *tokenmanager.Slot) Option {
	return func(o *options) {
		o.slot = slot
	}
}

// WithFetcher supplies a fetcher for the standalone path taken when no
// manager is active. Without one, construction fails in that situation.
func WithFetcher(fetcher tokenmanager.TokenFetcher) Option {
	return func(o *options) {
		o.fetcher = fetcher
	}
}

// WithBaseURL points the extractor at a non-default gateway LLM endpoint.
func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = baseURL
	}
}

// New constructs an Extractor and wires it to the token lifecycle. With a
// live manager in the slot it registers as an observer and applies the
// cached token before returning; otherwise it performs one standalone fetch
// through the configured fetcher (degraded mode, no refresh).
func New(name string, profile Profile, opts ...Option) (*Extractor, error) {
	o := options{slot: tokenmanager.DefaultSlot()}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Extractor{
		name:    name,
		profile: profile,
	}
	e.token.Store("")

	clientOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{
			Transport: &bearerTransport{token: &e.token},
		}),
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	e.client = anthropic.NewClient(clientOpts...)

	if manager := o.slot.Active(); manager != nil {
		e.manager = manager
		// Registration delivers the cached token through ApplyNewToken,
		// ordered with concurrent refresh fan-out.
		manager.Register(e)
		return e, nil
	}

	if o.fetcher == nil {
		return nil, fmt.Errorf("extractor %q: no active token manager and no fetcher configured", name)
	}

	slog.Warn("no active token manager; extractor runs standalone without token refresh", "extractor", name)

	rec, err := o.fetcher.Fetch(context.Background(), tokensource.MethodPrimary)
	if err != nil {
		return nil, fmt.Errorf("extractor %q: standalone token fetch: %w", name, err)
	}
	e.token.Store(rec.Token)

	return e, nil
}

// Name returns the extractor's registry name.
func (e *Extractor) Name() string {
	return e.name
}

// ApplyNewToken implements tokenmanager.Observer.
func (e *Extractor) ApplyNewToken(token string) error {
	if token == "" {
		return errors.New("refusing empty token")
	}
	e.token.Store(token)
	return nil
}

// Close unregisters the extractor from its manager. Safe to call in
// standalone mode.
func (e *Extractor) Close() {
	if e.manager != nil {
		e.manager.Unregister(e)
	}
}

const systemPrompt = "You are a structured data extraction engine. " +
	"Answer with a single JSON object that satisfies the user's instructions. " +
	"Output raw JSON only: no prose, no markdown fences."

// Extract asks the model to pull the data described by instructions out of
// input and unmarshals the JSON reply into v. A 401 triggers one forced
// token refresh and retry when a manager is attached.
func (e *Extractor) Extract(ctx context.Context, instructions, input string, v any) error {
	reply, err := e.complete(ctx, instructions, input)
	if err != nil && e.manager != nil && isUnauthorized(err) {
		slog.InfoContext(ctx, "extraction rejected with 401; refreshing token and retrying once", "extractor", e.name)

		token, refreshErr := e.manager.Token(ctx, true)
		if refreshErr != nil {
			return fmt.Errorf("refreshing token after 401: %w", refreshErr)
		}
		e.token.Store(token)

		reply, err = e.complete(ctx, instructions, input)
	}
	if err != nil {
		return fmt.Errorf("extraction via model %s: %w", e.profile.Model, err)
	}

	if err := json.Unmarshal([]byte(trimJSONFences(reply)), v); err != nil {
		return fmt.Errorf("model reply is not the requested JSON shape: %w", err)
	}
	return nil
}

func (e *Extractor) complete(ctx context.Context, instructions, input string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.profile.Model),
		MaxTokens: e.profile.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(instructions),
				anthropic.NewTextBlock(input),
			),
		},
	}
	if e.profile.Temperature > 0 {
		params.Temperature = anthropic.Float(e.profile.Temperature)
	}

	msg, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("model returned no text content")
	}
	return sb.String(), nil
}

func isUnauthorized(err error) bool {
	var apierr *anthropic.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusUnauthorized
}

// trimJSONFences strips a markdown code fence if the model ignored the
// raw-JSON instruction.
func trimJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// bearerTransport injects the current bearer token into outgoing requests.
// It reads the token per request, so an observer delivery between two
// requests takes effect on the second one.
type bearerTransport struct {
	token *atomic.Value
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, _ := t.token.Load().(string)
	if token != "" {
		clone := req.Clone(req.Context())
		clone.Header.Set("Authorization", "Bearer "+token)
		req = clone
	}
	return http.DefaultTransport.RoundTrip(req)
}
