package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func connectLocal(t *testing.T, size int) []Comm {
	t.Helper()
	w := NewLocalWorld(size)
	comms := make([]Comm, size)
	for r := 0; r < size; r++ {
		c, err := w.Connector(r).Connect(context.Background())
		require.NoError(t, err)
		comms[r] = c
	}
	t.Cleanup(func() {
		for _, c := range comms {
			c.Close()
		}
	})
	return comms
}

func waitDone(t *testing.T, req *Request) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := req.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestLocalWorld_SendRecv_DeliversInOrder(t *testing.T) {
	// GIVEN two connected ranks
	comms := connectLocal(t, 2)

	// WHEN rank 0 sends three messages before rank 1 posts any receive
	for _, msg := range []string{"one", "two", "three"} {
		req, err := comms[0].Isend([]byte(msg), 1)
		require.NoError(t, err)
		st, done := req.Test()
		assert.True(t, done, "local sends complete eagerly")
		assert.Equal(t, len(msg), st.Count)
	}

	// THEN rank 1 receives them in send order
	for _, want := range []string{"one", "two", "three"} {
		buf := make([]byte, 16)
		req, err := comms[1].Irecv(buf, 0)
		require.NoError(t, err)
		st := waitDone(t, req)
		assert.Equal(t, 0, st.Source)
		assert.Equal(t, want, string(buf[:st.Count]))
	}
}

func TestLocalWorld_Isend_CopiesPayload(t *testing.T) {
	comms := connectLocal(t, 2)
	payload := []byte("abc")
	_, err := comms[0].Isend(payload, 1)
	require.NoError(t, err)
	payload[0] = 'X'

	buf := make([]byte, 8)
	req, err := comms[1].Irecv(buf, 0)
	require.NoError(t, err)
	st := waitDone(t, req)
	assert.Equal(t, "abc", string(buf[:st.Count]))
}

func TestLocalWorld_Irecv_TruncatesOversizeMessage(t *testing.T) {
	comms := connectLocal(t, 2)
	_, err := comms[0].Isend([]byte("0123456789"), 1)
	require.NoError(t, err)

	buf := make([]byte, 4)
	req, err := comms[1].Irecv(buf, 0)
	require.NoError(t, err)
	st := waitDone(t, req)
	assert.Equal(t, 4, st.Count)
	assert.Error(t, st.Err)
}

func TestLocalWorld_Connect_Twice_Fails(t *testing.T) {
	w := NewLocalWorld(2)
	_, err := w.Connector(0).Connect(context.Background())
	require.NoError(t, err)
	_, err = w.Connector(0).Connect(context.Background())
	assert.Error(t, err)
	_, err = w.Connector(2).Connect(context.Background())
	assert.Error(t, err)
}

func TestComm_InvalidPeer_ReturnsError(t *testing.T) {
	comms := connectLocal(t, 2)
	_, err := comms[0].Isend([]byte("x"), 0)
	assert.Error(t, err, "self send")
	_, err = comms[0].Irecv(make([]byte, 1), 5)
	assert.Error(t, err, "out of range")
}

func TestRequest_Cancel_CompletesPostedReceive(t *testing.T) {
	comms := connectLocal(t, 2)
	req, err := comms[1].Irecv(make([]byte, 8), 0)
	require.NoError(t, err)
	_, done := req.Test()
	assert.False(t, done)

	req.Cancel()
	st := waitDone(t, req)
	assert.True(t, st.Cancelled)
}

func TestRequest_Complete_FirstStatusWins(t *testing.T) {
	// GIVEN a request issued the way an external Comm would issue it
	req := NewRequest()
	cancelled := 0
	req.OnCancel(func() {
		if req.Complete(Status{Source: 3, Cancelled: true}) {
			cancelled++
		}
	})

	// WHEN it completes and is then cancelled
	assert.True(t, req.Complete(Status{Source: 3, Count: 5}))
	req.Cancel()

	// THEN the first status stands and the cancel hook resolved nothing
	st, done := req.Test()
	require.True(t, done)
	assert.Equal(t, Status{Source: 3, Count: 5}, st)
	assert.Zero(t, cancelled)
	assert.False(t, req.Complete(Status{}))
}

func TestComm_Close_CancelsPostedReceives(t *testing.T) {
	w := NewLocalWorld(2)
	c, err := w.Connector(1).Connect(context.Background())
	require.NoError(t, err)
	req, err := c.Irecv(make([]byte, 8), 0)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	st, done := req.Test()
	require.True(t, done)
	assert.True(t, st.Cancelled)

	_, err = c.Irecv(make([]byte, 8), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTestAny_NoneComplete_ReturnsFalse(t *testing.T) {
	comms := connectLocal(t, 3)
	r1, _ := comms[0].Irecv(make([]byte, 8), 1)
	r2, _ := comms[0].Irecv(make([]byte, 8), 2)

	_, _, ok := TestAny([]*Request{r1, nil, r2})
	assert.False(t, ok)

	_, err := comms[2].Isend([]byte("hi"), 0)
	require.NoError(t, err)
	<-r2.Done()
	idx, st, ok := TestAny([]*Request{r1, nil, r2})
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 2, st.Source)
}

func TestWaitAny_ContextCancelled_ReturnsError(t *testing.T) {
	comms := connectLocal(t, 2)
	r, _ := comms[0].Irecv(make([]byte, 8), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	idx, _, err := WaitAny(ctx, []*Request{r})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, idx)
}

func TestWaitAny_AllNil_ReturnsErrNoActiveRequests(t *testing.T) {
	_, _, err := WaitAny(context.Background(), []*Request{nil, nil})
	assert.ErrorIs(t, err, ErrNoActiveRequests)
}

func TestWaitAny_BlocksUntilMessage(t *testing.T) {
	comms := connectLocal(t, 3)
	r1, _ := comms[0].Irecv(make([]byte, 8), 1)
	r2, _ := comms[0].Irecv(make([]byte, 8), 2)

	go func() {
		time.Sleep(10 * time.Millisecond)
		comms[1].Isend([]byte("late"), 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	idx, st, err := WaitAny(ctx, []*Request{r1, r2})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 4, st.Count)
}

func TestTCPConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TCPConfig
		wantErr bool
	}{
		{"no addresses", TCPConfig{}, true},
		{"rank out of range", TCPConfig{Rank: 2, Addrs: []string{"a", "b"}}, true},
		{"empty lower address", TCPConfig{Rank: 1, Addrs: []string{"", "b"}}, true},
		{"valid", TCPConfig{Rank: 1, Addrs: []string{"a", "b"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTCPConfig_ThreeRankMesh_ExchangesMessages(t *testing.T) {
	// GIVEN three pre-bound listeners on loopback
	const size = 3
	listeners := make([]net.Listener, size)
	addrs := make([]string, size)
	for r := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[r] = ln
		addrs[r] = ln.Addr().String()
	}

	// WHEN every rank connects concurrently
	comms := make([]Comm, size)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	for r := 0; r < size; r++ {
		g.Go(func() error {
			c, err := TCPConfig{Rank: r, Addrs: addrs, Listener: listeners[r]}.Connect(ctx)
			comms[r] = c
			return err
		})
	}
	require.NoError(t, g.Wait())
	defer func() {
		for _, c := range comms {
			c.Close()
		}
	}()

	// THEN every ordered pair can exchange a message
	for src := 0; src < size; src++ {
		for dst := 0; dst < size; dst++ {
			if src == dst {
				continue
			}
			payload := []byte{byte(src), byte(dst), 0xAB}
			sreq, err := comms[src].Isend(payload, dst)
			require.NoError(t, err)

			buf := make([]byte, 16)
			rreq, err := comms[dst].Irecv(buf, src)
			require.NoError(t, err)
			st := waitDone(t, rreq)
			assert.Equal(t, payload, buf[:st.Count])

			sst := waitDone(t, sreq)
			assert.NoError(t, sst.Err)
			assert.Equal(t, len(payload), sst.Count)
		}
	}
}

func TestTCPConfig_Connect_PeerMissing_TimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	// rank 1 dials rank 0, which never listens
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	cfg := TCPConfig{
		Rank:           1,
		Addrs:          []string{deadAddr, ln.Addr().String()},
		Listener:       ln,
		ConnectTimeout: 100 * time.Millisecond,
		RetryInterval:  10 * time.Millisecond,
	}
	_, err = cfg.Connect(context.Background())
	assert.Error(t, err)
}
