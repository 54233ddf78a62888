//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/rocketbitz/tagmq/client"
	"github.com/rocketbitz/tagmq/mq"
	"github.com/rocketbitz/tagmq/transport/loopback"
)

const ranks = 4

type RingSuite struct {
	suite.Suite
	fabric  *loopback.Fabric
	clients []*client.Client
}

func (s *RingSuite) SetupTest() {
	s.fabric = loopback.NewFabric(
		loopback.WithClass(mq.ClassFabric),
		loopback.WithFragmentSize(1024),
		loopback.WithAsyncPull(),
	)
	s.clients = make([]*client.Client, ranks)
	for i := range s.clients {
		cli, err := client.Dial(client.Config{
			Fabric:        s.fabric,
			ID:            fmt.Sprintf("rank-%d", i),
			Timeout:       10 * time.Second,
			HashThreshold: 8,
		})
		require.NoError(s.T(), err, "dial rank %d", i)
		s.clients[i] = cli
	}
}

func (s *RingSuite) TearDownTest() {
	for _, cli := range s.clients {
		require.NoError(s.T(), cli.Close())
	}
	require.NoError(s.T(), s.fabric.Close())
}

func (s *RingSuite) TestRingExchange() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sizes := []int{0, 17, 4096, 64000, 64001, 300000}
	for _, size := range sizes {
		futures := make([]*client.ReceiveFuture, ranks)
		for i, cli := range s.clients {
			prev := s.clients[(i+ranks-1)%ranks]
			f, err := cli.ReceiveAsync(prev.Addr(), mq.Tag64(uint64(size)), mq.SelectAll, make([]byte, size))
			require.NoError(s.T(), err)
			futures[i] = f
		}
		for i, cli := range s.clients {
			next := s.clients[(i+1)%ranks]
			require.NoError(s.T(), cli.Send(ctx, next.Addr(), mq.Tag64(uint64(size)), payloadFor(i, size)))
		}
		for i, f := range futures {
			n, err := f.Await(ctx)
			require.NoError(s.T(), err, "rank %d size %d", i, size)
			require.Equal(s.T(), size, n)
			require.True(s.T(), bytes.Equal(payloadFor((i+ranks-1)%ranks, size), f.Buffer()), "rank %d size %d payload", i, size)
		}
	}

	for _, cli := range s.clients {
		stats := cli.Stats()
		require.EqualValues(s.T(), len(sizes), stats.SendCompleted)
		require.EqualValues(s.T(), 2, stats.Engine.TxRndvNum)
	}
}

func (s *RingSuite) TestWildcardFanIn() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := s.clients[0]
	const perRank = 50
	var wg sync.WaitGroup
	for rank := 1; rank < ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			cli := s.clients[rank]
			for seq := 0; seq < perRank; seq++ {
				tag := mq.Tag{uint32(seq), uint32(rank), 0}
				if err := cli.Send(ctx, root.Addr(), tag, []byte(fmt.Sprintf("%d:%d", rank, seq))); err != nil {
					s.T().Errorf("rank %d send %d: %v", rank, seq, err)
					return
				}
			}
		}(rank)
	}

	// Any source, any sequence: only the sending rank's order is guaranteed.
	next := make(map[mq.Addr]int)
	buf := make([]byte, 32)
	for i := 0; i < perRank*(ranks-1); i++ {
		st, err := root.Receive(ctx, mq.AnyAddr, mq.Tag{}, mq.Selector{}, buf)
		require.NoError(s.T(), err)
		require.Equal(s.T(), uint32(next[st.Source]), st.Tag[0], "per-source order from %v", st.Source)
		next[st.Source]++
	}
	wg.Wait()
	require.Len(s.T(), next, ranks-1)
}

func (s *RingSuite) TestRandomizedTagsDrainEngine() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sender, receiver := s.clients[1], s.clients[2]
	const n = 200
	tags := rng.Perm(n)

	futures := make([]*client.ReceiveFuture, 0, n/2)
	for _, t := range tags[:n/2] {
		f, err := receiver.ReceiveAsync(mq.AnyAddr, mq.Tag64(uint64(t)), mq.SelectAll, make([]byte, 8))
		require.NoError(s.T(), err)
		futures = append(futures, f)
	}
	for t := 0; t < n; t++ {
		require.NoError(s.T(), sender.Send(ctx, receiver.Addr(), mq.Tag64(uint64(t)), []byte{byte(t)}))
	}
	for _, t := range tags[n/2:] {
		f, err := receiver.ReceiveAsync(mq.AnyAddr, mq.Tag64(uint64(t)), mq.SelectAll, make([]byte, 8))
		require.NoError(s.T(), err)
		futures = append(futures, f)
	}
	for i, f := range futures {
		_, err := f.Await(ctx)
		require.NoError(s.T(), err)
		require.Equal(s.T(), byte(tags[i]), f.Buffer()[0])
	}

	snap := receiver.Snapshot()
	require.True(s.T(), snap.Fastpath)
	require.Zero(s.T(), snap.ExpectedList+snap.ExpectedHash+snap.UnexpectedList+snap.UnexpectedHash)
}

func payloadFor(rank, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(rank*31 + i)
	}
	return b
}

func TestRing(t *testing.T) {
	suite.Run(t, new(RingSuite))
}
