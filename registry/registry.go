// Package registry owns the process-wide table of session clients. It
// builds one client per configured (role, endpoint) pair at startup,
// offers role-scoped lookups and availability-filtered random selection
// among judge servers, and runs a periodic sweep that re-arms clients
// whose own reconnect scheduling was lost.
package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyberinferno/judge-dispatch/config"
	"github.com/cyberinferno/judge-dispatch/sessionclient"
)

// Role is the logical category of an endpoint. Submit, Query, and
// Discussion are judge-server capabilities; Account and Message belong to
// the middle service.
type Role int

const (
	Account Role = iota
	Message
	Submit
	Query
	Discussion
)

// String returns the role's name as used in client log tags.
func (r Role) String() string {
	switch r {
	case Account:
		return "account"
	case Message:
		return "message"
	case Submit:
		return "submit"
	case Query:
		return "query"
	case Discussion:
		return "discussion"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownClient is returned by lookups for a (role, server) pair
	// that was never configured.
	ErrUnknownClient = errors.New("registry: no such client")

	// ErrNoServerAvailable is returned by SelectServer when no judge
	// server with the requested capability is currently connected.
	ErrNoServerAvailable = errors.New("registry: no judge server available")
)

// clientKey identifies one session client. Middle-service roles use
// serverID -1; judge capabilities carry the judge server id.
type clientKey struct {
	role     Role
	serverID int
}

const middleID = -1

// Options tunes the registry. Zero values take the documented defaults.
type Options struct {
	// SweepInterval is the period of the reconnect safety-net sweep.
	// Default 60s.
	SweepInterval time.Duration
	// ReconnectDelay, RequestTimeout, and ConnectTimeout are passed
	// through to every session client.
	ReconnectDelay time.Duration
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

// Registry is the connection registry. Build it with New, call Start
// once, and Shutdown on process exit. The client table is read-mostly:
// it is populated at startup and only read afterwards.
type Registry struct {
	cfg  *config.Config
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	clients map[clientKey]*sessionclient.Client
	started bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Registry for the given configuration. No connections are
// made until Start.
func New(cfg *config.Config, opts Options, log zerolog.Logger) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	return &Registry{
		cfg:     cfg,
		opts:    opts,
		log:     log.With().Str("component", "registry").Logger(),
		clients: make(map[clientKey]*sessionclient.Client),
		stop:    make(chan struct{}),
	}
}

// Start creates one session client per configured endpoint, attempts the
// initial connect on each, and launches the sweep goroutine. Individual
// connect failures are not fatal; auto-reconnect and the sweep keep
// retrying.
//
// Returns:
//   - An error if Start was already called
func (r *Registry) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("registry: already started")
	}
	r.started = true

	if r.cfg.Middle.Host != "" && r.cfg.Middle.AccountPort != 0 {
		r.addClientLocked(Account, middleID, r.cfg.Middle.Host, r.cfg.Middle.AccountPort)
	}
	if r.cfg.Middle.Host != "" && r.cfg.Middle.MessagePort != 0 {
		r.addClientLocked(Message, middleID, r.cfg.Middle.Host, r.cfg.Middle.MessagePort)
	}
	for _, j := range r.cfg.Judges {
		if j.SubmitPort != 0 {
			r.addClientLocked(Submit, j.ID, j.Host, j.SubmitPort)
		}
		if j.QueryPort != 0 {
			r.addClientLocked(Query, j.ID, j.Host, j.QueryPort)
		}
		if j.DiscussionPort != 0 {
			r.addClientLocked(Discussion, j.ID, j.Host, j.DiscussionPort)
		}
	}

	clients := make([]*sessionclient.Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		if err := c.Connect(); err != nil {
			r.log.Warn().Str("client", c.Name()).Err(err).Msg("initial connect failed")
		}
	}
	r.log.Info().Int("clients", len(clients)).Msg("connections initialized")

	r.wg.Add(1)
	go r.sweepLoop()

	return nil
}

// addClientLocked registers a new client for a (role, server) pair. At
// most one client exists per pair; duplicates in the configuration keep
// the first entry.
func (r *Registry) addClientLocked(role Role, serverID int, host string, port int) {
	key := clientKey{role: role, serverID: serverID}
	if _, ok := r.clients[key]; ok {
		return
	}

	name := role.String()
	if serverID != middleID {
		name = fmt.Sprintf("%d_%s", serverID, role)
	}

	r.clients[key] = sessionclient.New(sessionclient.Config{
		Name:           name,
		Addr:           fmt.Sprintf("%s:%d", host, port),
		AutoReconnect:  true,
		ReconnectDelay: r.opts.ReconnectDelay,
		RequestTimeout: r.opts.RequestTimeout,
		ConnectTimeout: r.opts.ConnectTimeout,
	}, r.log)
}

// AccountClient returns the client for the middle service's account role.
//
// Returns:
//   - The client, or ErrUnknownClient if the role was not configured
func (r *Registry) AccountClient() (*sessionclient.Client, error) {
	return r.lookup(clientKey{role: Account, serverID: middleID})
}

// MessageClient returns the client for the middle service's message role.
//
// Returns:
//   - The client, or ErrUnknownClient if the role was not configured
func (r *Registry) MessageClient() (*sessionclient.Client, error) {
	return r.lookup(clientKey{role: Message, serverID: middleID})
}

// JudgeClient returns the client for one judge server capability.
//
// Parameters:
//   - serverID: The judge server id from the configuration
//   - capability: Submit, Query, or Discussion
//
// Returns:
//   - The client, or ErrUnknownClient if that server/capability pair was
//     not configured
func (r *Registry) JudgeClient(serverID int, capability Role) (*sessionclient.Client, error) {
	return r.lookup(clientKey{role: capability, serverID: serverID})
}

func (r *Registry) lookup(key clientKey) (*sessionclient.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[key]
	if !ok {
		return nil, ErrUnknownClient
	}

	return c, nil
}

// SelectServer picks a judge server for the given capability: configured
// servers are filtered to those whose client is currently connected, then
// one is chosen uniformly at random. This is the system's whole
// load-balancing policy; there is no weighting by load or latency.
//
// Parameters:
//   - capability: Submit, Query, or Discussion
//
// Returns:
//   - The selected judge server id, or ErrNoServerAvailable
func (r *Registry) SelectServer(capability Role) (int, error) {
	var available []int
	for _, j := range r.cfg.Judges {
		c, err := r.JudgeClient(j.ID, capability)
		if err == nil && c.IsConnected() {
			available = append(available, j.ID)
		}
	}

	if len(available) == 0 {
		return 0, ErrNoServerAvailable
	}

	return available[rand.IntN(len(available))], nil
}

// Shutdown stops the sweep and permanently closes every client with
// auto-reconnect disabled. Idempotent.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	select {
	case <-r.stop:
		r.mu.Unlock()
		return
	default:
	}
	close(r.stop)
	clients := make([]*sessionclient.Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	r.wg.Wait()

	for _, c := range clients {
		_ = c.Close()
	}
	r.log.Info().Msg("registry shut down")
}

// sweepLoop is the reconnect safety net: on every tick it re-arms any
// client sitting in Disconnected with auto-reconnect enabled, in case the
// client's own delayed reconnect was lost.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.RLock()
			clients := make([]*sessionclient.Client, 0, len(r.clients))
			for _, c := range r.clients {
				clients = append(clients, c)
			}
			r.mu.RUnlock()

			for _, c := range clients {
				if c.State() == sessionclient.Disconnected && c.AutoReconnect() {
					r.log.Info().Str("client", c.Name()).Msg("sweep reconnecting client")
					go func(c *sessionclient.Client) {
						_ = c.Connect()
					}(c)
				}
			}
		}
	}
}
