// Package statuspage serves the proxy's own minimal status response for
// requests that target the proxy itself rather than being forwarded: a
// small text/html page for every method except OPTIONS, and a permissive
// CORS preflight on OPTIONS, per spec.md's note that a dashboard is an external
// collaborator out of this module's scope.
package statuspage

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

const body = "<html><body>https-proxy-server: ok</body></html>\n"

// Handle writes a minimal status response directly to conn.
func Handle(conn net.Conn, req *http.Request) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})

	if req.Method == http.MethodOptions {
		_, err := fmt.Fprintf(conn,
			"HTTP/1.1 200 OK\r\n"+
				"Access-Control-Allow-Origin: *\r\n"+
				"Access-Control-Allow-Methods: *\r\n"+
				"Access-Control-Allow-Headers: *\r\n"+
				"Content-Length: 0\r\n"+
				"Connection: close\r\n\r\n")
		return err
	}

	_, err := fmt.Fprintf(conn,
		"HTTP/1.1 200 OK\r\n"+
			"Content-Type: text/html\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n\r\n%s",
		len(body), body)
	return err
}
