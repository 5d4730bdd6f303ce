package registry

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/judge-dispatch/config"
	"github.com/cyberinferno/judge-dispatch/protocol"
	"github.com/cyberinferno/judge-dispatch/sessionclient"
	"github.com/cyberinferno/judge-dispatch/wiretest"
)

func echoHandler(cmd byte, body string) []protocol.Frame {
	return wiretest.Reply(protocol.StatusOK, body)
}

func startServer(t *testing.T) *wiretest.Server {
	t.Helper()
	srv, err := wiretest.NewServer(echoHandler)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func port(t *testing.T, srv *wiretest.Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return n
}

func testOptions() Options {
	return Options{
		SweepInterval:  time.Minute,
		ReconnectDelay: time.Minute, // keep client self-reconnect out of the way
		RequestTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
	}
}

func TestStartBuildsAndConnectsClients(t *testing.T) {
	account := startServer(t)
	message := startServer(t)
	judge3 := startServer(t)
	judge7 := startServer(t)

	cfg := &config.Config{
		Middle: config.MiddleConfig{
			Host:        "127.0.0.1",
			AccountPort: port(t, account),
			MessagePort: port(t, message),
		},
		Judges: []config.JudgeServer{
			{ID: 3, Host: "127.0.0.1", SubmitPort: port(t, judge3), QueryPort: port(t, judge3)},
			{ID: 7, Host: "127.0.0.1", SubmitPort: port(t, judge7), DiscussionPort: port(t, judge7)},
		},
	}

	r := New(cfg, testOptions(), zerolog.Nop())
	require.NoError(t, r.Start())
	t.Cleanup(r.Shutdown)

	assert.Error(t, r.Start(), "second Start must fail")

	acct, err := r.AccountClient()
	require.NoError(t, err)
	assert.True(t, acct.IsConnected())

	msg, err := r.MessageClient()
	require.NoError(t, err)
	assert.True(t, msg.IsConnected())

	c, err := r.JudgeClient(3, Query)
	require.NoError(t, err)
	assert.True(t, c.IsConnected())

	_, err = r.JudgeClient(3, Discussion)
	assert.ErrorIs(t, err, ErrUnknownClient)
	_, err = r.JudgeClient(99, Submit)
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestSelectServerFiltersByAvailability(t *testing.T) {
	judge3 := startServer(t)
	judge7 := startServer(t)

	cfg := &config.Config{
		Judges: []config.JudgeServer{
			{ID: 3, Host: "127.0.0.1", SubmitPort: port(t, judge3)},
			{ID: 7, Host: "127.0.0.1", SubmitPort: port(t, judge7)},
		},
	}

	r := New(cfg, testOptions(), zerolog.Nop())
	require.NoError(t, r.Start())
	t.Cleanup(r.Shutdown)

	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		id, err := r.SelectServer(Submit)
		require.NoError(t, err)
		seen[id] = true
	}
	assert.True(t, seen[3], "server 3 never selected")
	assert.True(t, seen[7], "server 7 never selected")

	_, err := r.SelectServer(Query)
	assert.ErrorIs(t, err, ErrNoServerAvailable, "no server has query capability")

	// Take server 7 down; only 3 survives the filter.
	judge7.Close()
	c7, err := r.JudgeClient(7, Submit)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c7.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		id, err := r.SelectServer(Submit)
		require.NoError(t, err)
		assert.Equal(t, 3, id)
	}

	judge3.Close()
	c3, err := r.JudgeClient(3, Submit)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c3.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	_, err = r.SelectServer(Submit)
	assert.ErrorIs(t, err, ErrNoServerAvailable)
}

func TestSweepReconnectsDisconnectedClients(t *testing.T) {
	judge := startServer(t)

	cfg := &config.Config{
		Judges: []config.JudgeServer{
			{ID: 1, Host: "127.0.0.1", SubmitPort: port(t, judge)},
		},
	}

	opts := testOptions()
	opts.SweepInterval = 50 * time.Millisecond
	opts.ReconnectDelay = 10 * time.Minute // only the sweep can bring it back

	r := New(cfg, opts, zerolog.Nop())
	require.NoError(t, r.Start())
	t.Cleanup(r.Shutdown)

	c, err := r.JudgeClient(1, Submit)
	require.NoError(t, err)
	require.True(t, c.IsConnected())

	judge.DropConnections()
	require.Eventually(t, func() bool {
		return c.State() == sessionclient.Disconnected || c.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	account := startServer(t)

	cfg := &config.Config{
		Middle: config.MiddleConfig{Host: "127.0.0.1", AccountPort: port(t, account)},
	}

	r := New(cfg, testOptions(), zerolog.Nop())
	require.NoError(t, r.Start())

	acct, err := r.AccountClient()
	require.NoError(t, err)
	require.True(t, acct.IsConnected())

	r.Shutdown()
	r.Shutdown() // idempotent

	assert.False(t, acct.IsConnected())
	assert.False(t, acct.AutoReconnect())
	assert.ErrorIs(t, acct.Connect(), sessionclient.ErrClosed)
}
