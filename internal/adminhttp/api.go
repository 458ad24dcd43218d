// Package adminhttp serves the operator API on the ops listener: limiter
// stats, cluster-wide decision totals, reputation marks and a dry-run check.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/ratelimit"
	"github.com/weanime/weanime-gateway/internal/ratestats"
)

const (
	defaultTop     = 10
	maxTop         = 100
	defaultMinutes = 15
	maxMinutes     = 24 * 60
	maxBodyBytes   = 4 << 10
)

// ClusterStats is the read side of the Redis decision recorder.
type ClusterStats interface {
	Totals(ctx context.Context) (ratestats.Counts, error)
	Recent(ctx context.Context, minutes int) ([]ratestats.MinuteCounts, error)
}

// PolicyInfo describes the policy document the limiters were built from.
type PolicyInfo struct {
	Source   string    `json:"source"`
	SHA256   string    `json:"sha256,omitempty"`
	Location string    `json:"location,omitempty"`
	Signed   bool      `json:"signed"`
	LoadedAt time.Time `json:"loaded_at"`
}

type API struct {
	limiters *ratelimit.Set
	cluster  ClusterStats
	policy   PolicyInfo
	logger   log.Logger
}

// NewAPI builds the admin API. cluster may be nil when Redis is not configured.
func NewAPI(limiters *ratelimit.Set, cluster ClusterStats, policy PolicyInfo, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{limiters: limiters, cluster: cluster, policy: policy, logger: logger}
}

func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/ratelimit/stats", api.HandleStats)
		r.Get("/ratelimit/cluster", api.HandleCluster)
		r.Get("/ratelimit/policy", api.HandlePolicy)
		r.Post("/ratelimit/check", api.HandleCheck)
		r.Get("/reputation/{key}", api.HandleReputation)
		r.Put("/reputation/{key}/{tier}", api.HandleMark)
		r.Delete("/reputation/{key}/{tier}", api.HandleClear)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type StatsResponse struct {
	ServerTime time.Time         `json:"server_time"`
	Profiles   []ratelimit.Stats `json:"profiles"`
	Reputation ReputationCounts  `json:"reputation"`
}

type ReputationCounts struct {
	Suspicious int `json:"suspicious"`
	Trusted    int `json:"trusted"`
}

func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	top, err := intParam(r, "top", defaultTop, maxTop)
	if err != nil {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	resp := StatsResponse{
		ServerTime: time.Now().UTC().Truncate(time.Second),
		Profiles:   api.limiters.Stats(top),
	}
	if rep := api.limiters.Reputation(); rep != nil {
		resp.Reputation.Suspicious, resp.Reputation.Trusted = rep.Counts()
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type ClusterResponse struct {
	Totals ratestats.Counts         `json:"totals"`
	Recent []ratestats.MinuteCounts `json:"recent"`
}

func (api *API) HandleCluster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if api.cluster == nil {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "cluster stats are not enabled"})
		return
	}
	minutes, err := intParam(r, "minutes", defaultMinutes, maxMinutes)
	if err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	totals, err := api.cluster.Totals(ctx)
	if err != nil {
		api.logger.Error(ctx, err, "read cluster totals")
		api.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "stats backend unavailable"})
		return
	}
	recent, err := api.cluster.Recent(ctx, minutes)
	if err != nil {
		api.logger.Error(ctx, err, "read cluster minutes")
		api.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "stats backend unavailable"})
		return
	}
	if recent == nil {
		recent = []ratestats.MinuteCounts{}
	}
	api.writeJSON(ctx, w, http.StatusOK, ClusterResponse{Totals: totals, Recent: recent})
}

type PolicyResponse struct {
	PolicyInfo
	Profiles []ProfileConfig `json:"profiles"`
}

type ProfileConfig struct {
	Name          string  `json:"name"`
	WindowSeconds float64 `json:"window_seconds"`
	MaxRequests   int     `json:"max_requests"`
	Whitelisted   int     `json:"whitelisted"`
	Blacklisted   int     `json:"blacklisted"`
}

func (api *API) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	resp := PolicyResponse{PolicyInfo: api.policy}
	for _, name := range api.limiters.Names() {
		a, _ := api.limiters.Get(name)
		c := a.Config()
		resp.Profiles = append(resp.Profiles, ProfileConfig{
			Name:          c.Name,
			WindowSeconds: c.Window.Seconds(),
			MaxRequests:   c.MaxRequests,
			Whitelisted:   len(c.Whitelist),
			Blacklisted:   len(c.Blacklist),
		})
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type CheckRequest struct {
	Profile string `json:"profile"`
	Key     string `json:"key"`
}

type CheckResponse struct {
	Allowed      bool           `json:"allowed"`
	Limit        int            `json:"limit"`
	Remaining    int            `json:"remaining"`
	ResetTime    time.Time      `json:"reset_time"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
	Outcome      string         `json:"outcome"`
	Reputation   ratelimit.Tier `json:"reputation,omitempty"`
}

// HandleCheck runs a real check for key, so it consumes quota like a request.
func (api *API) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CheckRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Key == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "key is required"})
		return
	}
	a, ok := api.limiters.Get(req.Profile)
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "unknown profile"})
		return
	}
	d := a.CheckKey(req.Key)
	api.logger.Info(ctx, "admin rate limit check",
		"profile", d.Profile,
		"client.key", ratelimit.Anonymize(d.Key),
		"outcome", d.Outcome(),
	)
	api.writeJSON(ctx, w, http.StatusOK, CheckResponse{
		Allowed:      d.Allowed,
		Limit:        d.Limit,
		Remaining:    d.Remaining,
		ResetTime:    d.ResetTime.UTC(),
		RetryAfterMs: d.RetryAfter.Milliseconds(),
		Outcome:      d.Outcome(),
		Reputation:   d.Reputation,
	})
}

func (api *API) HandleReputation(w http.ResponseWriter, r *http.Request) {
	rep, ok := api.reputation(w, r)
	if !ok {
		return
	}
	key, ok := api.keyParam(w, r)
	if !ok {
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, rep.State(key))
}

func (api *API) HandleMark(w http.ResponseWriter, r *http.Request) {
	api.mutate(w, r, true)
}

func (api *API) HandleClear(w http.ResponseWriter, r *http.Request) {
	api.mutate(w, r, false)
}

func (api *API) mutate(w http.ResponseWriter, r *http.Request, mark bool) {
	ctx := r.Context()
	rep, ok := api.reputation(w, r)
	if !ok {
		return
	}
	key, ok := api.keyParam(w, r)
	if !ok {
		return
	}
	tier := ratelimit.Tier(chi.URLParam(r, "tier"))
	switch {
	case tier == ratelimit.TierSuspicious && mark:
		rep.MarkSuspicious(key)
	case tier == ratelimit.TierSuspicious:
		rep.ClearSuspicious(key)
	case tier == ratelimit.TierTrusted && mark:
		rep.MarkTrusted(key)
	case tier == ratelimit.TierTrusted:
		rep.ClearTrusted(key)
	default:
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "unknown reputation tier"})
		return
	}
	api.logger.Info(ctx, "reputation changed",
		"client.key", ratelimit.Anonymize(key),
		"tier", string(tier),
		"marked", mark,
	)
	api.writeJSON(ctx, w, http.StatusOK, rep.State(key))
}

func (api *API) reputation(w http.ResponseWriter, r *http.Request) (*ratelimit.Reputation, bool) {
	rep := api.limiters.Reputation()
	if rep == nil {
		api.writeJSON(r.Context(), w, http.StatusNotFound, errorResponse{Error: "reputation is not enabled"})
		return nil, false
	}
	return rep, true
}

func (api *API) keyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" || len(key) > 128 {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid key"})
		return "", false
	}
	return key, true
}

type paramError string

func (e paramError) Error() string { return string(e) }

func intParam(r *http.Request, name string, def, maxVal int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, paramError(name + " must be a non-negative integer")
	}
	return min(n, maxVal), nil
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
