// Package test holds shared transport test suites and doubles.
package test

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// ConnTestSuite checks a connected pair of sockets.
// Embedding suites fill C1 and C2 in their SetupTest.
type ConnTestSuite struct {
	suite.Suite
	C1, C2 net.Conn

	done  chan struct{}
	timer *time.Timer
}

func (s *ConnTestSuite) SetupTest() {
	s.done = make(chan struct{})

	s.timer = time.AfterFunc(time.Second, func() {
		select {
		case <-s.done:
		default:
			s.FailNow("timeout exceeded")
		}
	})
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.C1.Close()
	s.C2.Close()
	close(s.done)
	s.timer.Stop()
}

func (s *ConnTestSuite) TestReadWrite() {
	data := []byte("Hello, World!")

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := s.C1.Write(data)
		s.Require().NoError(err)
		s.Equal(len(data), n)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, len(data))

		n := 0
		for n < len(data) {
			nn, err := s.C2.Read(buf[n:])
			s.Require().NoError(err)
			n += nn
		}
		s.Equal(data, buf)
	}()
}

func (s *ConnTestSuite) TestClose() {
	s.Require().NoError(s.C1.Close())

	buf := make([]byte, 10)

	n, err := s.C1.Read(buf)
	s.Error(err)
	s.Zero(n)

	n, err = s.C1.Write(buf)
	s.Error(err)
	s.Zero(n)
}

func (s *ConnTestSuite) TestReadBeforeClose() {
	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.C1.Read(make([]byte, 1))
		s.Error(err)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C1.Close())
}

func (s *ConnTestSuite) TestReadDeadLine() {
	s.Require().NoError(s.C1.SetReadDeadline(time.Now().Add(-time.Second)))

	b := make([]byte, 1)
	n, err := s.C1.Read(b)
	s.ErrorIs(err, os.ErrDeadlineExceeded)
	s.Zero(n)
}

func (s *ConnTestSuite) TestAddr() {
	s.Equal(s.C1.LocalAddr().String(), s.C2.RemoteAddr().String())
	s.Equal(s.C2.LocalAddr().String(), s.C1.RemoteAddr().String())
}
