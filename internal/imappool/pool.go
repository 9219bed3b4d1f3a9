// Package imappool holds a bounded set of authenticated IMAP sessions per
// account and hands them out to the sync worker and on-demand operations.
package imappool

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/metrics"
	"github.com/rustmailer/bichon/internal/resilience"
)

// Config tunes one account's connection pool (spec.md §4.2).
type Config struct {
	MaxSize         int
	WaitTimeout     time.Duration
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	DialTimeout     time.Duration
	ReaperInterval  time.Duration
}

// DefaultConfig mirrors the teacher's Redis queue default-config shape:
// a struct of sane constants a caller can override selectively.
func DefaultConfig() Config {
	return Config{
		MaxSize:        4,
		WaitTimeout:    10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		DialTimeout:    10 * time.Second,
		ReaperInterval: 30 * time.Second,
	}
}

// Credentials carries what a pool needs to dial and authenticate; for
// OAuth2 accounts TokenSource refreshes the access token transparently.
type Credentials struct {
	Host       string
	Port       int
	Encryption metastore.Encryption
	Username   string
	Password   string // used when AuthMode == Password
	TokenSource oauth2.TokenSource // used when AuthMode == OAuth2
	AuthMode   metastore.AuthMode
}

// pooledConn wraps one authenticated session with lifecycle bookkeeping.
type pooledConn struct {
	client    *imapclient.Client
	createdAt time.Time
	lastUsed  time.Time
	broken    bool
}

// Stats is the diagnostic dump spec.md §4.2 requires on acquire timeout.
type Stats struct {
	Active            int
	Idle              int
	Created           int64
	Broken            int64
	IdleClosed        int64
	MaxLifetimeClosed int64
}

// Pool is a single account's bounded set of IMAP sessions.
type Pool struct {
	accountID uint64
	creds     Credentials
	cfg       Config
	log       *logging.Logger
	breaker   *resilience.CircuitBreaker

	mu       sync.Mutex
	idle     []*pooledConn
	active   int
	closed   bool

	created           atomic.Int64
	brokenCount       atomic.Int64
	idleClosedCount   atomic.Int64
	lifetimeClosed    atomic.Int64

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New builds a pool for one account and starts its reaper goroutine.
func New(accountID uint64, creds Credentials, cfg Config, log *logging.Logger) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		accountID: accountID,
		creds:     creds,
		cfg:       cfg,
		log:       log.Pool(),
		breaker: resilience.NewCircuitBreaker(resilience.Config{
			Name:             fmt.Sprintf("imappool-%d", accountID),
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			ExecutionTimeout: cfg.DialTimeout,
		}),
		stopReaper: cancel,
		reaperDone: make(chan struct{}),
	}
	go p.reapLoop(ctx)
	return p
}

// Acquire blocks up to cfg.WaitTimeout for a usable session, dialing a new
// one if the pool has room. Times out with ConnectionPoolTimeout and dumps
// pool statistics (spec.md §4.2).
func (p *Pool) Acquire(ctx context.Context) (*pooledConn, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.WaitTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, bicherr.New(bicherr.InternalError, "pool is closed")
		}
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.active++
			p.publishGaugesLocked()
			p.mu.Unlock()
			metrics.PoolWaitDuration.Observe(time.Since(start).Seconds())
			return c, nil
		}
		if p.active < p.cfg.MaxSize {
			p.active++
			p.publishGaugesLocked()
			p.mu.Unlock()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.active--
				p.publishGaugesLocked()
				p.mu.Unlock()
				return nil, err
			}
			metrics.PoolWaitDuration.Observe(time.Since(start).Seconds())
			return c, nil
		}
		p.mu.Unlock()

		if time.Now().After(deadline) {
			stats := p.Stats()
			p.log.WarnContext(ctx, "pool wait-timeout exceeded", "account_id", p.accountID,
				"active", stats.Active, "idle", stats.Idle, "created", stats.Created,
				"broken", stats.Broken, "idle_closed", stats.IdleClosed, "max_lifetime_closed", stats.MaxLifetimeClosed)
			metrics.PoolWaitDuration.Observe(time.Since(start).Seconds())
			return nil, bicherr.New(bicherr.ConnectionPoolTimeout, "timed out waiting for an available IMAP connection")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release returns a session to the idle set, or closes it if it errored
// during use or exceeded its max lifetime.
func (p *Pool) Release(c *pooledConn, errored bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--

	if errored {
		c.broken = true
	}
	if c.broken {
		p.brokenCount.Add(1)
		_ = c.client.Close()
		metrics.PoolConnectionsEvicted.WithLabelValues(strconv.FormatUint(p.accountID, 10)).Inc()
		p.publishGaugesLocked()
		return
	}
	if p.closed {
		_ = c.client.Close()
		p.publishGaugesLocked()
		return
	}
	if time.Since(c.createdAt) > p.cfg.MaxLifetime {
		p.lifetimeClosed.Add(1)
		_ = c.client.Close()
		p.publishGaugesLocked()
		return
	}
	c.lastUsed = time.Now()
	p.idle = append(p.idle, c)
	p.publishGaugesLocked()
}

// publishGaugesLocked refreshes the active/idle connection gauges; callers
// must hold p.mu.
func (p *Pool) publishGaugesLocked() {
	id := strconv.FormatUint(p.accountID, 10)
	metrics.PoolConnectionsActive.WithLabelValues(id).Set(float64(p.active))
	metrics.PoolConnectionsIdle.WithLabelValues(id).Set(float64(len(p.idle)))
}

// dial opens a fresh authenticated session via circuit breaker protection.
func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	var conn *pooledConn
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		c, err := p.connectAndAuthenticate(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			return nil, bicherr.New(bicherr.NetworkError, "IMAP host is failing repeatedly, circuit open")
		}
		return nil, err
	}
	p.created.Add(1)
	return conn, nil
}

func (p *Pool) connectAndAuthenticate(ctx context.Context) (*pooledConn, error) {
	addr := fmt.Sprintf("%s:%d", p.creds.Host, p.creds.Port)
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: p.creds.Host}}

	var client *imapclient.Client
	var err error
	switch p.creds.Encryption {
	case metastore.EncryptionStartTLS:
		client, err = imapclient.DialStartTLS(addr, opts)
	case metastore.EncryptionPlaintext:
		client, err = imapclient.DialInsecure(addr, opts)
	default:
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.NetworkError, "failed to dial IMAP server", err)
	}

	if p.creds.AuthMode == metastore.AuthOAuth2 {
		if err := p.authenticateOAuth2(ctx, client); err != nil {
			_ = client.Close()
			return nil, err
		}
	} else {
		if err := client.Login(p.creds.Username, p.creds.Password).Wait(); err != nil {
			_ = client.Close()
			return nil, bicherr.Wrap(bicherr.ImapAuthenticationFailed, "IMAP login failed", err)
		}
	}

	now := time.Now()
	return &pooledConn{client: client, createdAt: now, lastUsed: now}, nil
}

// authenticateOAuth2 runs XOAUTH2 via go-sasl using a fresh access token
// pulled from the account's refreshable token source (SPEC_FULL.md §C).
func (p *Pool) authenticateOAuth2(ctx context.Context, client *imapclient.Client) error {
	if p.creds.TokenSource == nil {
		return bicherr.New(bicherr.MissingRefreshToken, "account has no OAuth2 token source configured")
	}
	token, err := p.creds.TokenSource.Token()
	if err != nil {
		return bicherr.Wrap(bicherr.MissingRefreshToken, "failed to refresh OAuth2 access token", err)
	}
	saslClient := sasl.NewXOAuth2Client(p.creds.Username, token.AccessToken)
	if err := client.Authenticate(saslClient); err != nil {
		return bicherr.Wrap(bicherr.ImapAuthenticationFailed, "XOAUTH2 authentication failed", err)
	}
	return nil
}

// reapLoop evicts idle connections past IdleTimeout until its stop
// context is cancelled by Close, mirroring the teacher's queue
// healthMonitor goroutine shape.
func (p *Pool) reapLoop(ctx context.Context) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, c := range p.idle {
		if time.Since(c.lastUsed) > p.cfg.IdleTimeout {
			p.idleClosedCount.Add(1)
			_ = c.client.Close()
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.publishGaugesLocked()
}

// Stats returns a snapshot for diagnostics and Prometheus export.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:            p.active,
		Idle:              len(p.idle),
		Created:           p.created.Load(),
		Broken:            p.brokenCount.Load(),
		IdleClosed:        p.idleClosedCount.Load(),
		MaxLifetimeClosed: p.lifetimeClosed.Load(),
	}
}

// Close stops the reaper and closes every idle connection. In-flight
// sessions close themselves on their next Release.
func (p *Pool) Close() error {
	p.stopReaper()
	<-p.reaperDone

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		_ = c.client.Close()
	}
	p.idle = nil
	return nil
}

// Client exposes the underlying session for internal/imapexec, which owns
// command semantics this package does not need to know about.
func (c *pooledConn) Client() *imapclient.Client { return c.client }
