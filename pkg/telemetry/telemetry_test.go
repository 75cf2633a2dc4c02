package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"astrodev/pkg/alpaca"
	"astrodev/pkg/poll"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type token struct {
	err  error
	done chan struct{}
}

func newToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	err          error
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	return newToken(c.err)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func newTestPublisher(t *testing.T) *Publisher {
	p := NewPublisher(log.WithField("test", t.Name()))
	p.now = func() time.Time { return time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC) }
	return p
}

func TestPublishStateChange(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newTestPublisher(t)
	p.Attach(client, "observatory/")

	p.StateChanged("DSD Main", poll.Motion, poll.OK, "51000")

	msgs := client.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "observatory/DSD_Main/motion", msgs[0].topic)
	assert.Equal(t, byte(0), msgs[0].qos)
	assert.True(t, msgs[0].retained)

	var m Message
	require.NoError(t, json.Unmarshal(msgs[0].payload, &m))
	assert.Equal(t, Message{
		Device:  "DSD Main",
		Class:   "motion",
		State:   "Ok",
		Message: "51000",
		Time:    time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC),
	}, m)
}

func TestPublishSkipsWithoutBroker(t *testing.T) {
	p := newTestPublisher(t)
	p.StateChanged("AO", poll.Motion, poll.Busy, "")

	client := &fakeClient{}
	p.Attach(client, "astrodev")
	p.StateChanged("AO", poll.Motion, poll.Busy, "")
	assert.Empty(t, client.Messages())
}

func TestPublishErrorIsNotFatal(t *testing.T) {
	client := &fakeClient{connected: true, err: errors.New("broker gone")}
	p := newTestPublisher(t)
	p.Attach(client, "astrodev")

	p.StateChanged("CCD", poll.Exposure, poll.Alert, "timed out")
	p.StateChanged("CCD", poll.Exposure, poll.Busy, "")
	assert.Len(t, client.Messages(), 2)
}

func TestAttachDisconnectsPrevious(t *testing.T) {
	first := &fakeClient{connected: true}
	second := &fakeClient{connected: true}
	p := newTestPublisher(t)

	p.Attach(first, "a")
	p.Attach(second, "b")
	assert.True(t, first.disconnected)
	assert.False(t, second.disconnected)

	p.StateChanged("AO", "guide-ra", poll.OK, "")
	assert.Empty(t, first.Messages())
	require.Len(t, second.Messages(), 1)
	assert.Equal(t, "b/AO/guide-ra", second.Messages()[0].topic)

	p.Close()
	assert.True(t, second.disconnected)
}

func TestApplyDisabled(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newTestPublisher(t)
	p.Attach(client, "astrodev")

	require.NoError(t, p.Apply(alpaca.MQTTConfig{Enabled: false}))
	assert.True(t, client.disconnected)
}

func TestObservesRunner(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newTestPublisher(t)
	p.Attach(client, "astrodev")

	r := poll.NewRunner("Focuser", log.WithField("test", t.Name()))
	t.Cleanup(r.Close)
	r.Observe(p)

	r.Fail(poll.Temperature, "probe missing")

	msgs := client.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "astrodev/Focuser/temperature", msgs[0].topic)
	assert.Contains(t, string(msgs[0].payload), `"state":"Alert"`)
}

func TestTopic(t *testing.T) {
	tests := []struct {
		device string
		class  poll.Class
		want   string
	}{
		{"AO", poll.Motion, "root/AO/motion"},
		{"DSD Main", poll.Temperature, "root/DSD_Main/temperature"},
		{"a/b+c#", poll.Exposure, "root/a_b_c_/exposure"},
	}

	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			assert.Equal(t, tt.want, Topic("root", tt.device, tt.class))
		})
	}
}
