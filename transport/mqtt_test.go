package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	gomqtt "github.com/256dpi/gomqtt/transport"
	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
)

// fakeBroker accepts one client at a time, acks everything and reports client publishes.
type fakeBroker struct {
	t         testing.TB
	ln        net.Listener
	alive     *alive.Alive
	connects  chan *packet.Connect
	published chan *packet.Message
	conns     chan *gomqtt.NetConn
}

func newFakeBroker(t testing.TB) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	b := &fakeBroker{
		t:         t,
		ln:        ln,
		alive:     alive.NewAlive(),
		connects:  make(chan *packet.Connect, 4),
		published: make(chan *packet.Message, 16),
		conns:     make(chan *gomqtt.NetConn, 4),
	}
	b.alive.Add(1)
	go func() {
		defer b.alive.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if !b.alive.Add(1) {
				conn.Close()
				return
			}
			go b.serve(gomqtt.NewNetConn(conn))
		}
	}()
	return b
}

func (b *fakeBroker) addr() string { return b.ln.Addr().String() }

func (b *fakeBroker) close() {
	b.alive.Stop()
	b.ln.Close()
	b.alive.Wait()
}

func (b *fakeBroker) serve(conn *gomqtt.NetConn) {
	defer b.alive.Done()
	defer conn.Close()
	for {
		pkt, err := conn.Receive()
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packet.Connect:
			b.connects <- p
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			if conn.Send(connack, false) != nil {
				return
			}
			b.conns <- conn
		case *packet.Subscribe:
			suback := packet.NewSuback()
			suback.ID = p.ID
			for _, s := range p.Subscriptions {
				suback.ReturnCodes = append(suback.ReturnCodes, s.QOS)
			}
			if conn.Send(suback, false) != nil {
				return
			}
		case *packet.Publish:
			msg := p.Message
			b.published <- &msg
			if p.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = p.ID
				if conn.Send(puback, false) != nil {
					return
				}
			}
		case *packet.Pingreq:
			if conn.Send(packet.NewPingresp(), false) != nil {
				return
			}
		case *packet.Disconnect:
			return
		}
	}
}

func (b *fakeBroker) expectPublish(t testing.TB) *packet.Message {
	t.Helper()
	select {
	case m := <-b.published:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("publish timeout")
	}
	return nil
}

func TestMQTT(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 3*timeout)
	defer cancel()
	broker := newFakeBroker(t)
	defer broker.close()

	m, err := transport.NewMQTT("mqtt", broker.addr(), transport.Options{
		Log:            log2.NewTest(t, log2.LDebug),
		NetworkTimeout: timeout,
		ClientID:       "dev1",
		TopicPrefix:    "edge/dev1",
	})
	require.NoError(t, err)
	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, uint32(1), m.Epoch())

	connect := <-broker.connects
	assert.Equal(t, "dev1", connect.ClientID)
	assert.True(t, connect.CleanSession)
	require.NotNil(t, connect.Will)
	assert.Equal(t, "edge/dev1/status", connect.Will.Topic)
	assert.Equal(t, []byte{0}, connect.Will.Payload)
	assert.True(t, connect.Will.Retain)

	online := broker.expectPublish(t)
	assert.Equal(t, "edge/dev1/status", online.Topic)
	assert.Equal(t, []byte{1}, online.Payload)
	assert.True(t, online.Retain)

	require.NoError(t, m.Send(ctx, []byte{0xca, 0xfe}))
	up := broker.expectPublish(t)
	assert.Equal(t, "edge/dev1/d2h", up.Topic)
	assert.Equal(t, []byte{0xca, 0xfe}, up.Payload)

	conn := <-broker.conns
	down := packet.NewPublish()
	down.Message = packet.Message{Topic: "edge/dev1/h2d", Payload: []byte{0xbe, 0xef}}
	require.NoError(t, conn.Send(down, false))
	c := recvChunk(t, m)
	assert.Equal(t, transport.Chunk{Epoch: 1, Data: []byte{0xbe, 0xef}}, c)

	require.NoError(t, m.Close())
	offline := broker.expectPublish(t)
	assert.Equal(t, "edge/dev1/status", offline.Topic)
	assert.Equal(t, []byte{0}, offline.Payload)
	assert.True(t, transport.IsNotConnected(m.Send(ctx, []byte{1})))
}

func TestMQTTConnectionLost(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 3*timeout)
	defer cancel()
	broker := newFakeBroker(t)
	defer broker.close()

	m, err := transport.NewMQTT("mqtt", broker.addr(), transport.Options{
		Log:            log2.NewTest(t, log2.LDebug),
		NetworkTimeout: timeout,
		ClientID:       "dev2",
	})
	require.NoError(t, err)
	require.NoError(t, m.Connect(ctx))
	defer m.Close()
	broker.expectPublish(t) // online status

	conn := <-broker.conns
	require.NoError(t, conn.Close())
	select {
	case err := <-m.Lost():
		assert.True(t, transport.IsError(err), "err=%v", err)
	case <-time.After(timeout):
		t.Fatal("lost not signalled")
	}
}

func TestMQTTClientID(t *testing.T) {
	t.Parallel()
	_, err := transport.NewMQTT("mqtt", "127.0.0.1:1", transport.Options{})
	require.Error(t, err)
}
