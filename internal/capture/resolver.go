package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Resolution errors are fatal to session start: no capture process is
// spawned when the broadcast cannot be resolved.
var (
	ErrNotLive      = errors.New("broadcast is not currently live")
	ErrUnresolvable = errors.New("no playable media URL could be resolved")
)

// Resolution is the outcome of resolving a broadcast reference.
type Resolution struct {
	BroadcastID string            `json:"broadcast_id"`
	Live        bool              `json:"live"`
	MediaURL    string            `json:"media_url"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Resolver turns a broadcast reference (room id, share link) into a
// decodable media locator. Implemented by an external collaborator.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ref string) (*Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref string) (*Resolution, error) {
	return f(ctx, ref)
}

// DirectResolver treats the broadcast reference as an already-playable
// media URL. Used when no resolver service is configured.
type DirectResolver struct{}

func (DirectResolver) Resolve(ctx context.Context, ref string) (*Resolution, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not a media URL and no resolver is configured", ErrUnresolvable, ref)
	}
	return &Resolution{BroadcastID: u.Host + u.Path, Live: true, MediaURL: ref}, nil
}

// HTTPResolver asks an external resolver service for the media locator.
// The service answers GET {base}/resolve?ref=... with a Resolution body.
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPResolver creates a resolver client against the given base URL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, ref string) (*Resolution, error) {
	endpoint := fmt.Sprintf("%s/resolve?ref=%s", r.BaseURL, url.QueryEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resolver request: %w", err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolver request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: resolver returned status %d", ErrUnresolvable, resp.StatusCode)
	}

	var res Resolution
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode resolver response: %w", err)
	}
	if res.BroadcastID == "" {
		res.BroadcastID = ref
	}
	return &res, nil
}

// CheckResolution validates a resolver answer, returning the taxonomy
// error the control surface reports.
func CheckResolution(res *Resolution) error {
	if res == nil {
		return ErrUnresolvable
	}
	if !res.Live {
		return fmt.Errorf("%w: broadcast %s", ErrNotLive, res.BroadcastID)
	}
	if res.MediaURL == "" {
		return fmt.Errorf("%w: broadcast %s", ErrUnresolvable, res.BroadcastID)
	}
	return nil
}
