// Package splice pumps bytes bidirectionally between two connections
// once a tunnel has been established, with half-close, idle-timeout and
// exactly-once cleanup semantics. It is grounded on the teacher's
// handleConnect tunnel loop (two io.Copy goroutines coordinated through
// a cancelable context) and tracked_conn.go's endOnce sync.Once pattern
// for guaranteeing a connection is only finalized once.
package splice

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/classify"
	"github.com/AlanGuo/https-proxy-server/internal/logger"
)

// Result reports how a Splice session ended.
type Result struct {
	BytesAToB int64
	BytesBToA int64
	Err       error // first non-benign error observed, if any
}

// Splice copies bytes between a and b in both directions until both
// sides have finished, the context is cancelled, or idleTimeout elapses
// with no traffic in either direction. It returns once both copy
// goroutines have exited and both connections are closed.
func Splice(ctx context.Context, a, b net.Conn, idleTimeout time.Duration) Result {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			a.Close()
			b.Close()
		})
	}
	defer closeBoth()

	var activity atomicTime
	activity.touch()

	var wg sync.WaitGroup
	wg.Add(2)

	var aToB, bToA copyResult

	go func() {
		defer wg.Done()
		aToB.n, aToB.err = copyWithActivity(a, b, &activity)
		halfClose(b)
	}()

	go func() {
		defer wg.Done()
		bToA.n, bToA.err = copyWithActivity(b, a, &activity)
		halfClose(a)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collect := func() Result {
		result := Result{BytesAToB: aToB.n, BytesBToA: bToA.n}
		for _, err := range []error{aToB.err, bToA.err} {
			if err != nil && classify.Classify(err) != classify.BenignDrop {
				result.Err = err
				break
			}
		}
		return result
	}

	if idleTimeout <= 0 {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
		<-done
		return collect()
	}

	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return collect()
		case <-ctx.Done():
			closeBoth()
			<-done
			return collect()
		case <-ticker.C:
			if time.Since(activity.load()) > idleTimeout {
				logger.Debug("splice idle timeout exceeded after %s, closing both sides", idleTimeout)
				closeBoth()
				<-done
				return collect()
			}
		}
	}
}

type copyResult struct {
	n   int64
	err error
}

// halfClose signals EOF to the destination's peer without tearing down
// the whole connection, so the still-reading direction can drain. Falls
// back to a full Close for connection types that don't support it.
func halfClose(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.CloseWrite(); err == nil {
			return
		}
	}
	conn.Close()
}

func copyWithActivity(dst io.Writer, src io.Reader, activity *atomicTime) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			activity.touch()
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
