package test

import (
	"evtransport/transport"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// SocketTestSuite checks the behaviour every transport.Socket shares.
// Embedders set C1 and C2 to a connected pair in SetupTest.
type SocketTestSuite struct {
	suite.Suite
	C1, C2 transport.Socket

	// Capacity is how many bytes C1 can send before C2 receives.
	// Zero skips the tests that depend on it.
	Capacity int
}

func (s *SocketTestSuite) SetupTest() {
	s.Capacity = 0
}

func (s *SocketTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	_ = s.C1.Close()
	_ = s.C2.Close()
}

func (s *SocketTestSuite) TestSendReceive() {
	data := []byte("Hello, World!")

	n, err := s.C1.Send(data, 0)
	s.Require().NoError(err)
	s.Equal(len(data), n)

	buf := make([]byte, 10)
	n, err = s.C2.Receive(buf)
	s.Require().NoError(err)
	s.Equal(len(buf), n)
	s.Equal(data[:n], buf)

	n, err = s.C2.Receive(buf)
	s.Require().NoError(err)
	s.Equal(len(data)-len(buf), n)
	s.Equal(data[len(buf):], buf[:n])
}

func (s *SocketTestSuite) TestReceiveWouldBlock() {
	n, err := s.C2.Receive(make([]byte, 10))
	s.ErrorIs(err, transport.ErrWouldBlock)
	s.Zero(n)
}

func (s *SocketTestSuite) TestEndOfStream() {
	data := []byte("bye")

	_, err := s.C1.Send(data, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.C1.Close())

	// Buffered data is still delivered before end of stream.
	buf := make([]byte, 10)
	n, err := s.C2.Receive(buf)
	s.Require().NoError(err)
	s.Equal(data, buf[:n])

	n, err = s.C2.Receive(buf)
	s.NoError(err)
	s.Zero(n)
}

func (s *SocketTestSuite) TestClose() {
	s.Require().NoError(s.C1.Close())

	n, err := s.C1.Receive(make([]byte, 1))
	s.ErrorIs(err, transport.ErrSocketClosed)
	s.Zero(n)

	n, err = s.C1.Send([]byte("x"), 0)
	s.ErrorIs(err, transport.ErrSocketClosed)
	s.Zero(n)

	s.ErrorIs(s.C1.Close(), transport.ErrSocketClosed)
}

func (s *SocketTestSuite) TestSendAfterPeerClosed() {
	s.Require().NoError(s.C2.Close())

	n, err := s.C1.Send([]byte("x"), 0)
	s.Error(err)
	s.Zero(n)
}

func (s *SocketTestSuite) TestShortSend() {
	if s.Capacity == 0 {
		s.T().Skip("capacity is unknown")
	}

	input := make([]byte, s.Capacity+10)

	n, err := s.C1.Send(input, 0)
	s.Require().NoError(err)
	s.Equal(s.Capacity, n)

	// Full: nothing accepted, but not an error either.
	n, err = s.C1.Send(input, 0)
	s.Require().NoError(err)
	s.Zero(n)

	n, err = s.C2.Receive(make([]byte, 10))
	s.Require().NoError(err)
	s.Equal(10, n)

	n, err = s.C1.Send(input, 0)
	s.Require().NoError(err)
	s.Equal(10, n)
}
