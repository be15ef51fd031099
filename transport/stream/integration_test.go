package stream_test

import (
	"bytes"
	"context"
	"evtransport/connection"
	"evtransport/eventloop"
	"evtransport/transport"
	"evtransport/transport/pipe"
	"evtransport/transport/stream"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// EchoTestSuite runs a client and an echo server over a real loop.
// Embedders provide the loop and the connected sockets.
type EchoTestSuite struct {
	suite.Suite

	Loop         *eventloop.EventLoop
	Server       transport.Socket
	Client       transport.Socket
	ServerOpts   stream.Options
	ClientOpts   stream.Options
	PayloadBytes int

	logger *slog.Logger
	clock  clock.Clock

	server, client         *stream.Transport
	serverConn, clientConn *connection.Buffered
	serverCloses           atomic.Int32
	clientCloses           atomic.Int32

	echoed   bytes.Buffer // loop goroutine only.
	complete chan struct{}
}

func (s *EchoTestSuite) SetupTest() {
	s.logger = slog.New(slog.DiscardHandler)
	s.clock = clock.New()
	s.ServerOpts = stream.DefaultOptions()
	s.ClientOpts = stream.DefaultOptions()
	s.PayloadBytes = 16 * 1024
	s.serverCloses.Store(0)
	s.clientCloses.Store(0)
	s.echoed.Reset()
	s.complete = make(chan struct{})
	s.server, s.client = nil, nil
}

func (s *EchoTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.Loop.Close()
	<-s.Loop.Done()

	// The loop is gone, so nothing else touches the transports now.
	for _, t := range []*stream.Transport{s.server, s.client} {
		if t != nil {
			t.Close()
		}
	}
}

// start wires both ends. Transports are created before the loop runs so
// every handler observes a fully built transport.
func (s *EchoTestSuite) start() {
	var err error

	s.serverConn = connection.New(connection.HandlerFuncs{
		OnData: func(c *connection.Buffered, p []byte) {
			s.NoError(c.Write(p))
		},
		OnClose: func(*connection.Buffered) { s.serverCloses.Add(1) },
	}, s.logger, connection.Options{ReadBufferSize: 512})
	s.server, err = stream.New(s.Server, s.Loop, s.serverConn, s.logger, s.clock, s.ServerOpts)
	s.Require().NoError(err)
	s.serverConn.Bind(s.server)

	s.clientConn = connection.New(connection.HandlerFuncs{
		OnData: func(_ *connection.Buffered, p []byte) {
			s.echoed.Write(p)
			if s.echoed.Len() == s.PayloadBytes {
				close(s.complete)
			}
		},
		OnClose: func(*connection.Buffered) { s.clientCloses.Add(1) },
	}, s.logger, connection.Options{ReadBufferSize: 1024})
	s.client, err = stream.New(s.Client, s.Loop, s.clientConn, s.logger, s.clock, s.ClientOpts)
	s.Require().NoError(err)
	s.clientConn.Bind(s.client)

	go func() { _ = s.Loop.Run(context.Background()) }()
}

func (s *EchoTestSuite) payload() []byte {
	p := make([]byte, s.PayloadBytes)
	r := rand.New(rand.NewPCG(1, 2))
	for i := range p {
		p[i] = byte(r.Uint32())
	}
	return p
}

func (s *EchoTestSuite) waitClosed(c *connection.Buffered) {
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		s.FailNow("connection did not close")
	}
}

func (s *EchoTestSuite) TestEcho() {
	s.start()
	payload := s.payload()

	// Several writes from a foreign goroutine, in order.
	for off := 0; off < len(payload); off += 1000 {
		s.Require().NoError(s.clientConn.Write(payload[off:min(off+1000, len(payload))]))
	}

	select {
	case <-s.complete:
	case <-time.After(10 * time.Second):
		s.FailNow("echo did not complete")
	}
	s.Equal(payload, s.echoed.Bytes())
	s.EqualValues(len(payload), s.clientConn.Sent())
	s.EqualValues(len(payload), s.serverConn.Received())

	s.Require().NoError(s.client.Shutdown())
	s.waitClosed(s.clientConn)
	s.waitClosed(s.serverConn)

	s.NoError(s.client.Err())
	s.ErrorIs(s.server.Err(), transport.ErrEndOfStream)
	s.EqualValues(1, s.clientCloses.Load())
	s.EqualValues(1, s.serverCloses.Load())
}

func (s *EchoTestSuite) TestCloseFromConnection() {
	s.start()

	s.Require().NoError(s.serverConn.Close())
	s.waitClosed(s.serverConn)
	s.waitClosed(s.clientConn)

	s.NoError(s.server.Err())
	s.ErrorIs(s.client.Err(), transport.ErrEndOfStream)
	s.ErrorIs(s.clientConn.Write([]byte("late")), connection.ErrClosed)
	s.ErrorIs(s.client.Shutdown(), transport.ErrSocketClosed)

	// Closing again changes nothing.
	s.ErrorIs(s.serverConn.Close(), transport.ErrSocketClosed)
	s.EqualValues(1, s.serverCloses.Load())
	s.EqualValues(1, s.clientCloses.Load())
}

func (s *EchoTestSuite) TestPausedReadingHoldsData() {
	s.PayloadBytes = 4
	s.start()
	s.Require().NoError(s.serverConn.PauseReading())
	s.sync()

	s.Require().NoError(s.clientConn.Write([]byte("held")))
	s.sync()
	s.sync()
	s.Zero(s.serverConn.Received())

	s.Require().NoError(s.serverConn.ResumeReading())
	select {
	case <-s.complete:
	case <-time.After(5 * time.Second):
		s.FailNow("data was not delivered after resume")
	}
	s.Equal([]byte("held"), s.echoed.Bytes())
}

func (s *EchoTestSuite) TestPeerClosesWhileReadingPaused() {
	s.PayloadBytes = 4
	s.start()
	s.Require().NoError(s.serverConn.PauseReading())
	s.sync()

	s.Require().NoError(s.clientConn.Write([]byte("held")))
	s.Eventually(func() bool { return s.clientConn.Sent() == 4 }, 5*time.Second, time.Millisecond)
	s.Require().NoError(s.client.Shutdown())
	s.waitClosed(s.clientConn)
	s.sync()
	s.sync()

	select {
	case <-s.serverConn.Done():
		s.FailNow("closed before the queued data was taken")
	default:
	}
	s.Zero(s.serverConn.Received())

	s.Require().NoError(s.serverConn.ResumeReading())
	s.waitClosed(s.serverConn)
	s.EqualValues(4, s.serverConn.Received())
	s.ErrorIs(s.server.Err(), transport.ErrEndOfStream)
	s.EqualValues(1, s.serverCloses.Load())
}

// The peer is gone before the loop ever polls, so data and the end of
// stream are reported together.
func (s *EchoTestSuite) TestDataAndCloseArriveTogether() {
	n, err := s.Client.Send([]byte("abc"), 0)
	s.Require().NoError(err)
	s.Require().Equal(3, n)
	s.Require().NoError(s.Client.Close())

	var got bytes.Buffer
	conn := connection.New(connection.HandlerFuncs{
		OnData: func(_ *connection.Buffered, p []byte) { got.Write(p) },
	}, s.logger, connection.Options{ReadBufferSize: 2})
	s.server, err = stream.New(s.Server, s.Loop, conn, s.logger, s.clock, s.ServerOpts)
	s.Require().NoError(err)
	conn.Bind(s.server)
	go func() { _ = s.Loop.Run(context.Background()) }()

	s.waitClosed(conn)
	s.Equal("abc", got.String())
	s.ErrorIs(s.server.Err(), transport.ErrEndOfStream)
}

func (s *EchoTestSuite) sync() {
	done := make(chan struct{})
	s.Require().NoError(s.Loop.Schedule(func() { close(done) }))
	<-done
}

type PipeEchoTestSuite struct {
	EchoTestSuite
}

func TestPipeEchoTestSuite(t *testing.T) {
	suite.Run(t, new(PipeEchoTestSuite))
}

func (s *PipeEchoTestSuite) SetupTest() {
	s.EchoTestSuite.SetupTest()
	s.Loop = eventloop.New(nil, slog.New(slog.DiscardHandler), clock.New(), eventloop.Options{})
	// A small pipe forces partial writes in both directions.
	s.Client, s.Server = pipe.Pair("client", "server", 64)
}
