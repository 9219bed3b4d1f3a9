package authz

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/metrics"
)

// Authenticator runs spec.md §4.9's per-request pipeline: extract token,
// resolve it, load the user, check IP allow-list, apply rate limiting.
type Authenticator struct {
	store   *metastore.Store
	limiter Limiter
}

func NewAuthenticator(store *metastore.Store, limiter Limiter) *Authenticator {
	return &Authenticator{store: store, limiter: limiter}
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func ipAllowed(allowList []string, ip string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, allowed := range allowList {
		if allowed == ip {
			return true
		}
		if _, subnet, err := net.ParseCIDR(allowed); err == nil {
			if parsed := net.ParseIP(ip); parsed != nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

// Authenticate runs the full pipeline and returns the ClientContext
// handlers should use for permission checks.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*ClientContext, error) {
	token := extractToken(r)
	if token == "" {
		metrics.RecordAuth(false)
		return nil, bicherr.New(bicherr.PermissionDenied, "missing bearer token")
	}

	at, err := a.store.ResolveToken(ctx, token)
	if err != nil {
		metrics.RecordAuth(false)
		return nil, err
	}

	user, err := a.store.GetUser(ctx, at.UserID)
	if err != nil {
		metrics.RecordAuth(false)
		return nil, bicherr.New(bicherr.PermissionDenied, "invalid credentials")
	}

	ip := clientIP(r)
	if !ipAllowed(user.IPAllowList, ip) {
		metrics.RecordAuth(false)
		return nil, bicherr.New(bicherr.Forbidden, "client IP not in allow-list")
	}

	if user.RateQuota > 0 {
		interval := time.Duration(user.RateIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		ok, wait := a.limiter.Allow(ctx, user.ID, user.RateQuota, interval)
		if !ok {
			metrics.RateLimitRejections.WithLabelValues(strconv.FormatUint(user.ID, 10)).Inc()
			return nil, bicherr.New(bicherr.TooManyRequest,
				fmt.Sprintf("rate limit exceeded, retry after %s", strconv.Itoa(int(wait.Seconds()))+"s"))
		}
	}

	cc, err := loadRoles(ctx, a.store, user)
	if err != nil {
		metrics.RecordAuth(false)
		return nil, err
	}
	cc.IP = ip
	metrics.RecordAuth(true)
	return cc, nil
}
