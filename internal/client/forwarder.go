package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// forward replays one accumulated request against the local service and
// streams the response back over the control stream.
func (c *Client) forward(state *tunnelState, fl *inflightRequest) {
	start := fl.start
	began := time.Now()
	target := state.router.Resolve(start.Path)

	localURL := fmt.Sprintf("http://%s:%d%s", target.Host, target.Port, start.Path)
	req, err := http.NewRequest(start.Method, localURL, bytes.NewReader(fl.body.Bytes()))
	if err != nil {
		c.sendError(start.RequestID, http.StatusBadGateway, "Invalid request")
		return
	}

	var forwardedHost string
	for name, values := range start.Headers {
		if protocol.IsHopByHop(name) {
			continue
		}
		if strings.EqualFold(name, "Host") {
			if len(values) > 0 {
				forwardedHost = values[0]
			}
			continue
		}
		req.Header[http.CanonicalHeaderKey(name)] = values
	}
	if forwardedHost != "" {
		req.Header.Set("X-Forwarded-Host", forwardedHost)
	}
	req.Header.Set("X-Forwarded-Proto", "https")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if !c.quiet {
			c.logger.Printf("Failed to reach %s:%d: %v", target.Host, target.Port, err)
		}
		c.sendError(start.RequestID, http.StatusBadGateway, "Failed to connect to local service")
		return
	}
	defer resp.Body.Close()

	startFrame := protocol.ResponseStart{
		RequestID: start.RequestID,
		Status:    resp.StatusCode,
		Headers:   protocol.StripHopByHop(resp.Header),
	}
	if err := c.send(startFrame); err != nil {
		return
	}

	buf := make([]byte, protocol.ChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := c.send(protocol.ResponseBody{RequestID: start.RequestID, Chunk: chunk}); sendErr != nil {
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	c.send(protocol.ResponseEnd{RequestID: start.RequestID})

	if !c.quiet {
		c.logger.Printf("%s %s -> %d (%v)", start.Method, start.Path, resp.StatusCode, time.Since(began).Round(time.Millisecond))
	}
	if c.OnRequest != nil {
		c.OnRequest(RequestLog{
			Timestamp:  began,
			Method:     start.Method,
			Path:       start.Path,
			StatusCode: resp.StatusCode,
			Duration:   time.Since(began),
		})
	}
}

// sendError answers an exchange with a short plaintext error response.
func (c *Client) sendError(id string, status int, message string) {
	c.send(protocol.ResponseStart{
		RequestID: id,
		Status:    status,
		Headers:   map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}},
	})
	c.send(protocol.ResponseBody{RequestID: id, Chunk: []byte(message)})
	c.send(protocol.ResponseEnd{RequestID: id})
}
