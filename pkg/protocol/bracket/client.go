package bracket

import (
	"fmt"
	"time"

	"astrodev/pkg/link"
	"astrodev/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Timing holds the per-command deadlines.
type Timing struct {
	Quiescence time.Duration
	// Settle is slept between the write and the first read.
	Settle time.Duration
	// FirstByte bounds the wait for the first reply byte, InterByte the gap
	// between the following ones.
	FirstByte time.Duration
	InterByte time.Duration
	MaxLen    int
}

var DefaultTiming = Timing{
	Quiescence: 100 * time.Millisecond,
	Settle:     100 * time.Millisecond,
	FirstByte:  3100 * time.Millisecond,
	InterByte:  100 * time.Millisecond,
	MaxLen:     64,
}

// Client issues bracketed commands over a serialized connection. Every
// command is sent at most once; retrying is up to the caller.
type Client struct {
	conn   link.Conn
	timing Timing
	logger log.FieldLogger
}

func NewClient(conn link.Conn, timing Timing, logger log.FieldLogger) *Client {
	return &Client{
		conn:   conn,
		timing: timing,
		logger: logger,
	}
}

// Command sends one request and parses the reply. Verbs without a reply
// return an empty Response as soon as the write completes.
func (c *Client) Command(verb string, args ...int) (Response, error) {
	req, err := Encode(verb, args...)
	if err != nil {
		return Response{}, err
	}

	var raw []byte
	err = c.conn.Do(func(s transport.Stream) error {
		if err := transport.Flush(s, c.timing.Quiescence); err != nil {
			return err
		}
		if err := transport.Write(s, req); err != nil {
			return err
		}
		if !ExpectsReply(verb) {
			return nil
		}
		if c.timing.Settle > 0 {
			time.Sleep(c.timing.Settle)
		}

		raw, err = transport.ReadUntil(s, ')', c.timing.MaxLen, c.timing.FirstByte, c.timing.InterByte)
		return err
	})
	if err != nil {
		c.logger.Debugf("Command %s failed: %v", req, err)
		return Response{}, err
	}

	if !ExpectsReply(verb) {
		c.logger.Debugf("Command %s", req)
		return Response{}, nil
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		c.logger.Debugf("Command %s -> %q: %v", req, raw, err)
		return Response{}, err
	}
	c.logger.Debugf("Command %s -> %s", req, resp.Raw)
	return resp, nil
}

// Exec sends an action or setter and requires an OK reply.
func (c *Client) Exec(verb string, args ...int) error {
	resp, err := c.Command(verb, args...)
	if err != nil {
		return err
	}
	if ExpectsReply(verb) && !resp.OK() {
		return fmt.Errorf("%w: %s replied %q", ErrRejected, verb, resp.Raw)
	}
	return nil
}

// GetValue queries one unsigned integer.
func (c *Client) GetValue(verb string) (uint32, error) {
	resp, err := c.Command(verb)
	if err != nil {
		return 0, err
	}
	return resp.Uint()
}

// SetValue writes one value; any reply other than OK is a failure.
func (c *Client) SetValue(verb string, value int) error {
	return c.Exec(verb, value)
}

func (c *Client) GetFloat(verb string) (float64, error) {
	resp, err := c.Command(verb)
	if err != nil {
		return 0, err
	}
	return resp.Float()
}

func (c *Client) GetFields(verb string) (map[string]string, error) {
	resp, err := c.Command(verb)
	if err != nil {
		return nil, err
	}
	return resp.Fields()
}
