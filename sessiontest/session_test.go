// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sessiontest_test

import (
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sshtunneler"
	"github.com/juju/sshtunneler/sessiontest"
)

type sessionSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&sessionSuite{})

var (
	testTarget = sshtunneler.HostPort{Host: "10.0.0.7", Port: 80}
	testOrigin = sshtunneler.HostPort{Host: "127.0.0.1", Port: 9999}
)

// readFull drains n bytes from a non-blocking channel, waiting for
// transport readiness whenever a read would block.
func readFull(c *gc.C, session *sessiontest.Session, ch sshtunneler.Channel, n int) []byte {
	buf := make([]byte, n)
	transport := session.Transport()
	deadline := time.Now().Add(longWait)
	got := 0
	for got < n {
		if time.Now().After(deadline) {
			c.Fatalf("timed out after reading %d of %d bytes", got, n)
		}
		nn, err := ch.Read(buf[got:])
		got += nn
		if err == nil {
			continue
		}
		if errors.Is(err, sshtunneler.ErrWouldBlock) {
			c.Assert(transport.WaitReady(true, false, time.Millisecond), jc.ErrorIsNil)
			continue
		}
		c.Fatalf("read failed after %d bytes: %v", got, err)
	}
	return buf
}

func (s *sessionSuite) TestEchoRoundTrip(c *gc.C) {
	session := sessiontest.New(sessiontest.Config{Handler: sessiontest.EchoHandler})
	ch, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)

	n, err := ch.Write([]byte("ping"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(n, gc.Equals, 4)
	c.Check(string(readFull(c, session, ch, 4)), gc.Equals, "ping")

	opens := session.Opens()
	c.Assert(opens, gc.HasLen, 1)
	c.Check(opens[0].Target, gc.Equals, testTarget)
	c.Check(opens[0].Origin, gc.Equals, testOrigin)
}

func (s *sessionSuite) TestOpenWouldBlockRetries(c *gc.C) {
	session := sessiontest.New(sessiontest.Config{
		Handler:        sessiontest.EchoHandler,
		OpenWouldBlock: 2,
	})

	_, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIs, sshtunneler.ErrWouldBlock)
	_, err = session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIs, sshtunneler.ErrWouldBlock)
	_, err = session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *sessionSuite) TestSpuriousReads(c *gc.C) {
	session := sessiontest.New(sessiontest.Config{
		Handler: func(_ sshtunneler.HostPort, stream io.ReadWriteCloser) {
			_, _ = stream.Write([]byte("x"))
			_ = stream.Close()
		},
		SpuriousReads: 2,
	})
	ch, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)

	// The first reads are spurious wakes regardless of pending data.
	for i := 0; i < 2; i++ {
		n, err := ch.Read(make([]byte, 4))
		c.Check(n, gc.Equals, 0)
		c.Check(err, jc.ErrorIsNil)
	}
	c.Check(string(readFull(c, session, ch, 1)), gc.Equals, "x")
}

func (s *sessionSuite) TestPartialWrites(c *gc.C) {
	gate := make(chan struct{})
	drained := make(chan []byte, 1)
	session := sessiontest.New(sessiontest.Config{
		Handler: func(_ sshtunneler.HostPort, stream io.ReadWriteCloser) {
			<-gate
			content, _ := io.ReadAll(stream)
			drained <- content
		},
		WindowSize: 4,
	})
	ch, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)

	// Nobody is draining yet, so the window caps the write.
	n, err := ch.Write([]byte("0123456789"))
	c.Assert(err, jc.ErrorIs, sshtunneler.ErrWouldBlock)
	c.Assert(n, gc.Equals, 4)

	close(gate)
	remaining := []byte("456789")
	transport := session.Transport()
	for len(remaining) > 0 {
		n, err := ch.Write(remaining)
		remaining = remaining[n:]
		if errors.Is(err, sshtunneler.ErrWouldBlock) {
			c.Assert(transport.WaitReady(false, true, time.Millisecond), jc.ErrorIsNil)
			continue
		}
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Assert(ch.Close(), jc.ErrorIsNil)

	select {
	case content := <-drained:
		c.Check(string(content), gc.Equals, "0123456789")
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for the handler to drain")
	}
}

func (s *sessionSuite) TestBreakFailsOpenChannels(c *gc.C) {
	session := sessiontest.New(sessiontest.Config{Handler: sessiontest.EchoHandler})
	ch, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)

	session.Break(errors.New("boom"))
	_, err = ch.Read(make([]byte, 4))
	c.Check(err, gc.ErrorMatches, "boom")
	_, err = ch.Write([]byte("x"))
	c.Check(err, gc.ErrorMatches, "boom")

	// The session survives a break; later opens work.
	next, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)
	_, err = next.Write([]byte("ping"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(readFull(c, session, next, 4)), gc.Equals, "ping")
}

func (s *sessionSuite) TestCloseTearsEverythingDown(c *gc.C) {
	session := sessiontest.New(sessiontest.Config{Handler: sessiontest.EchoHandler})
	ch, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(session.Close(), jc.ErrorIsNil)
	c.Assert(session.Close(), jc.ErrorIsNil)
	c.Check(session.CloseCount(), gc.Equals, 2)

	_, err = ch.Read(make([]byte, 4))
	c.Check(err, gc.ErrorMatches, "session torn down")
	_, err = session.OpenChannel(testTarget, testOrigin)
	c.Check(err, gc.ErrorMatches, "session is closed")
	c.Check(session.Transport().WaitReady(true, false, time.Millisecond), gc.NotNil)

	// Tearing the session down is not a channel close.
	c.Check(ch.(*sessiontest.Channel).CloseCount(), gc.Equals, 0)
}

func (s *sessionSuite) TestChannelCloseEndsBothDirections(c *gc.C) {
	streamErr := make(chan error, 1)
	session := sessiontest.New(sessiontest.Config{
		Handler: func(_ sshtunneler.HostPort, stream io.ReadWriteCloser) {
			_, err := stream.Read(make([]byte, 4))
			streamErr <- err
		},
	})
	ch, err := session.OpenChannel(testTarget, testOrigin)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(ch.Close(), jc.ErrorIsNil)
	c.Check(ch.Closed(), jc.IsTrue)
	_, err = ch.Write([]byte("x"))
	c.Check(err, gc.ErrorMatches, "write on closed channel")

	select {
	case err := <-streamErr:
		c.Check(err, gc.Equals, io.EOF)
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for the remote end to see EOF")
	}
}
