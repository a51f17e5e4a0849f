// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local info = redis.call("HMGET", key, "tokens", "last_refill")
	local tokens = tonumber(info[1])
	local last_refill = tonumber(info[2])

	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local filled_tokens = math.min(capacity, tokens + (delta / 1000 * rate))

	local allowed = 0
	if filled_tokens >= requested then
		filled_tokens = filled_tokens - requested
		allowed = 1
		redis.call("HMSET", key, "tokens", filled_tokens, "last_refill", now)
		redis.call("EXPIRE", key, math.ceil(capacity / rate) * 2)
	end

	return allowed
`)

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

type ctxKeyLog struct{}
type ctxKeyRequestID struct{}
type ctxKeyIdentity struct{}

// Identity is the caller resolved from the bearer token (or trusted headers in dev).
type Identity struct {
	UserID string
	Role   string
}

func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

type logHandler struct {
	log  *logrus.Logger
	next http.Handler
}

type responseRecorder struct {
	b      int
	status int
	w      http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header { return r.w.Header() }

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.w.Write(p)
	r.b += n
	return n, err
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.w.WriteHeader(statusCode)
}

func (lh *logHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, _ := uuid.NewRandom()
	ctx = context.WithValue(ctx, ctxKeyRequestID{}, requestID.String())

	start := time.Now()
	rr := &responseRecorder{w: w}
	log := lh.log.WithFields(logrus.Fields{
		"http.req.path":   r.URL.Path,
		"http.req.method": r.Method,
		"http.req.id":     requestID.String(),
	})
	log.Debug("request started")
	defer func() {
		log.WithFields(logrus.Fields{
			"http.resp.took_ms": int64(time.Since(start) / time.Millisecond),
			"http.resp.status":  rr.status,
			"http.resp.bytes":   rr.b}).Debugf("request complete")
	}()

	ctx = context.WithValue(ctx, ctxKeyLog{}, log)
	r = r.WithContext(ctx)
	lh.next.ServeHTTP(rr, r)
}

func requestLogger(r *http.Request) logrus.FieldLogger {
	if l, ok := r.Context().Value(ctxKeyLog{}).(logrus.FieldLogger); ok {
		return l
	}
	return logrus.StandardLogger()
}

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	IPRPS       float64
	IPBurst     int
}

type Limiter struct {
	client redis.Scripter
	log    *logrus.Logger
	cfg    RateLimitConfig
}

func NewLimiter(client redis.Scripter, cfg RateLimitConfig, log *logrus.Logger) *Limiter {
	return &Limiter{client: client, log: log, cfg: cfg}
}

func (l *Limiter) Allow(ctx context.Context, key string, capacity int, rate float64) (bool, error) {
	now := time.Now().UnixMilli()

	keys := []string{fmt.Sprintf("rate_limit:%s", key)}
	args := []interface{}{capacity, rate, now, 1}

	result, err := tokenBucketScript.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return false, err
	}
	allowed, ok := result.(int64)
	if !ok {
		return false, errors.Errorf("unexpected limiter reply %T", result)
	}
	return allowed == 1, nil
}

// GlobalAndIPLimiter fails open: a Redis error lets the request through.
func (l *Limiter) GlobalAndIPLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
		defer cancel()

		ip := getRealIP(r)

		globalAllowed, err := l.Allow(ctx, "global_orderservice", l.cfg.GlobalBurst, l.cfg.GlobalRPS)
		if err != nil {
			l.log.Warnf("global limiter redis error: %v", err)
		} else if !globalAllowed {
			writeError(w, http.StatusServiceUnavailable, "System busy")
			return
		}

		ipAllowed, err := l.Allow(ctx, "ip:"+ip, l.cfg.IPBurst, l.cfg.IPRPS)
		if err != nil {
			l.log.Warnf("ip limiter redis error: %v", err)
		} else if !ipAllowed {
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getRealIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = strings.TrimSpace(ip[:i])
	}
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}

// Authenticator resolves the caller identity. With disabled set, X-User-ID / X-User-Role are trusted.
type Authenticator struct {
	secret   []byte
	disabled bool
}

func NewAuthenticator(secret string, disabled bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), disabled: disabled}
}

// IssueToken signs an HS256 token; used by tests and ops tooling.
func (a *Authenticator) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(a.secret)
}

func (a *Authenticator) identify(r *http.Request) (Identity, error) {
	if a.disabled {
		id := Identity{
			UserID: strings.TrimSpace(r.Header.Get("X-User-ID")),
			Role:   strings.TrimSpace(r.Header.Get("X-User-Role")),
		}
		if id.UserID == "" {
			return Identity{}, errors.New("missing X-User-ID header")
		}
		if id.Role == "" {
			id.Role = RoleCustomer
		}
		return id, nil
	}

	raw := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || tokenStr == "" {
		return Identity{}, errors.New("missing bearer token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, errors.Wrap(err, "invalid token")
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid token claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Identity{}, errors.New("invalid user_id in token")
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = RoleCustomer
	}
	return Identity{UserID: userID, Role: role}, nil
}

// requireAuth 认证中间件，注入 Identity
func (a *Authenticator) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identify(r)
		if err != nil {
			requestLogger(r).WithField("error", err).Debug("unauthenticated request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identity(r).IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	}
}

func identity(r *http.Request) Identity {
	id, _ := r.Context().Value(ctxKeyIdentity{}).(Identity)
	return id
}
