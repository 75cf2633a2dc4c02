package compact

import (
	"time"

	"astrodev/pkg/link"
	"astrodev/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Timing holds the per-command deadlines.
type Timing struct {
	// Quiescence is the flush window before each command.
	Quiescence time.Duration
	// Response bounds the whole two-byte reply.
	Response time.Duration
}

var DefaultTiming = Timing{
	Quiescence: time.Millisecond,
	Response:   1100 * time.Millisecond,
}

// Client issues compact protocol commands over a serialized connection.
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

// Exec sends f and, for query opcodes, returns the decoded reply. Commands
// without a reply return as soon as the write completes.
func (c *Client) Exec(f Frame) (uint16, error) {
	req, err := Encode(f)
	if err != nil {
		return 0, err
	}

	var value uint16
	err = c.conn.Do(func(s transport.Stream) error {
		if err := transport.Flush(s, c.timing.Quiescence); err != nil {
			return err
		}
		if err := transport.Write(s, req); err != nil {
			return err
		}
		if !f.Op.ExpectsResponse() {
			return nil
		}

		raw, err := transport.ReadExact(s, ResponseSize, c.timing.Response)
		if err != nil {
			return err
		}
		value, err = DecodeResponse(f.Op, raw)
		return err
	})

	if err != nil {
		c.logger.Debugf("Command %s % x failed: %v", f.Op, req, err)
		return 0, err
	}
	c.logger.Debugf("Command %s % x -> %d", f.Op, req, value)
	return value, nil
}

func (c *Client) SetTarget(channel byte, quarters uint16) error {
	_, err := c.Exec(Frame{Op: SetTarget, Channel: channel, Value: quarters})
	return err
}

func (c *Client) SetSpeed(channel byte, speed uint16) error {
	_, err := c.Exec(Frame{Op: SetSpeed, Channel: channel, Value: speed})
	return err
}

func (c *Client) SetAcceleration(channel byte, acc uint16) error {
	_, err := c.Exec(Frame{Op: SetAcceleration, Channel: channel, Value: acc})
	return err
}

// GetPosition returns the channel position in quarter-microseconds.
func (c *Client) GetPosition(channel byte) (uint16, error) {
	return c.Exec(Frame{Op: GetPosition, Channel: channel})
}

// GetErrors returns and clears the controller error bits.
func (c *Client) GetErrors() (uint16, error) {
	return c.Exec(Frame{Op: GetErrors})
}

func (c *Client) GoHome() error {
	_, err := c.Exec(Frame{Op: GoHome})
	return err
}
