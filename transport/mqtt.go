package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/astrobox-ng/edge/log2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

const (
	topicUp     = "d2h"
	topicDown   = "h2d"
	topicStatus = "status"
)

var (
	statusOnline  = []byte{1}
	statusOffline = []byte{0}
)

var mqttLogOnce sync.Once

// MQTT carries frames as publish payloads over broker.
// Device publishes to <prefix>/d2h, subscribes to <prefix>/h2d.
// Broker publishes retained offline status on <prefix>/status when device disappears.
type MQTT struct {
	link
	log    *log2.Log
	opt    Options
	broker string
	TLS    *tls.Config

	topicUp     string
	topicDown   string
	topicStatus string

	mu      sync.Mutex
	current *mqttConn
}

var _ Transport = &MQTT{}

type mqttConn struct {
	*conn
	m mqtt.Client
}

func NewMQTT(scheme, addr string, opt Options) (*MQTT, error) {
	if opt.ClientID == "" {
		return nil, errors.NotValidf("mqtt client id empty")
	}
	prefix := opt.TopicPrefix
	if prefix == "" {
		prefix = opt.ClientID
	}
	broker := "tcp://" + addr
	if scheme == "mqtts" {
		broker = "ssl://" + addr
	}
	mqttLogOnce.Do(func() {
		mlog := opt.Log.Named("paho")
		mqtt.CRITICAL = mlog
		mqtt.ERROR = mlog
		mqtt.WARN = mlog
	})
	return &MQTT{
		link:        newLink(),
		log:         opt.Log,
		opt:         opt,
		broker:      broker,
		topicUp:     fmt.Sprintf("%s/%s", prefix, topicUp),
		topicDown:   fmt.Sprintf("%s/%s", prefix, topicDown),
		topicStatus: fmt.Sprintf("%s/%s", prefix, topicStatus),
	}, nil
}

func (self *MQTT) String() string { return self.broker }

func (self *MQTT) Connect(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.closeLocked()

	networkTimeout := self.opt.networkTimeout()
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left > 0 && left < networkTimeout {
			networkTimeout = left
		}
	}
	keepalive := self.opt.KeepAlive
	if keepalive == 0 {
		keepalive = self.opt.networkTimeout() * 2
	}

	// epoch is reserved before client exists, callbacks capture it
	epoch := self.begin()
	c := &mqttConn{conn: newConn(epoch)}
	mopt := mqtt.NewClientOptions().
		AddBroker(self.broker).
		SetAutoReconnect(false).
		SetBinaryWill(self.topicStatus, statusOffline, 1, true).
		SetCleanSession(true).
		SetClientID(self.opt.ClientID).
		SetConnectTimeout(networkTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if c.close() {
				self.log.Debugf("mqtt connection lost epoch=%d err=%v", epoch, err)
				self.signalLost(epoch, &Error{Op: "link", Err: err})
			}
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			self.log.Errorf("mqtt unexpected message topic=%s", msg.Topic())
		}).
		SetKeepAlive(keepalive).
		SetOrderMatters(true).
		SetPingTimeout(self.opt.networkTimeout()).
		SetWriteTimeout(self.opt.networkTimeout())
	if self.opt.Username != "" {
		mopt.SetUsername(self.opt.Username).SetPassword(self.opt.Password)
	}
	if self.TLS != nil {
		mopt.SetTLSConfig(self.TLS)
	}
	c.m = mqtt.NewClient(mopt)

	if err := self.tokenWait(c.m.Connect(), networkTimeout, "connect"); err != nil {
		c.close()
		return &Error{Op: "connect", Err: err}
	}
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		data := append([]byte(nil), msg.Payload()...)
		self.stat.Recv.Size.Add(int64(len(data)))
		self.deliver(epoch, data, c.done)
	}
	if err := self.tokenWait(c.m.Subscribe(self.topicDown, 1, onMessage), networkTimeout, "subscribe:"+self.topicDown); err != nil {
		c.close()
		c.m.Disconnect(0)
		return &Error{Op: "connect", Err: err}
	}
	if err := self.tokenWait(c.m.Publish(self.topicStatus, 1, true, statusOnline), networkTimeout, "publish status"); err != nil {
		c.close()
		c.m.Disconnect(0)
		return &Error{Op: "connect", Err: err}
	}
	self.current = c
	self.log.Debugf("mqtt connected epoch=%d broker=%s", epoch, self.broker)
	return nil
}

func (self *MQTT) Send(ctx context.Context, b []byte) error {
	self.mu.Lock()
	c := self.current
	self.mu.Unlock()
	if c == nil || c.closed() {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	timeout := time.Until(sendDeadline(ctx, self.opt.networkTimeout()))
	if err := self.tokenWait(c.m.Publish(self.topicUp, 1, false, b), timeout, "publish"); err != nil {
		if c.close() {
			self.signalLost(c.epoch, &Error{Op: "link", Err: err})
		}
		return &Error{Op: "send", Err: err}
	}
	self.stat.Send.Count.Add(1)
	self.stat.Send.Size.Add(int64(len(b)))
	return nil
}

func (self *MQTT) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.closeLocked()
	return nil
}

func (self *MQTT) closeLocked() {
	if c := self.current; c != nil {
		self.current = nil
		if c.close() {
			// graceful disconnect does not trigger will, so publish offline status explicitly
			t := c.m.Publish(self.topicStatus, 1, true, statusOffline)
			t.WaitTimeout(self.opt.networkTimeout())
			c.m.Disconnect(uint(self.opt.networkTimeout() / time.Millisecond / 10))
		}
	}
}

func (self *MQTT) tokenWait(t mqtt.Token, timeout time.Duration, tag string) error {
	if timeout <= 0 {
		return errors.Timeoutf("mqtt %s", tag)
	}
	if !t.WaitTimeout(timeout) {
		return errors.Timeoutf("mqtt %s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotate(err, tag)
	}
	return nil
}
