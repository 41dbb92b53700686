package edge_test

import (
	"context"
	"testing"
	"time"

	"github.com/astrobox-ng/edge/config"
	"github.com/astrobox-ng/edge/dispatch"
	"github.com/astrobox-ng/edge/indicator"
	"github.com/astrobox-ng/edge/internal/edge"
	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/session"
	"github.com/astrobox-ng/edge/transport"
	"github.com/astrobox-ng/edge/value"
	"github.com/astrobox-ng/edge/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
)

const testConfig = `
device { id = "bench-1" }
transport { url = "pipe://" }
session { backoff_min_ms = 10 }
telemetry { disable = true }
peripheral "temp0" { kind = "mock" initial = "21.5" }
peripheral "mem" { kind = "memory" }
`

func readConfig(t *testing.T, source string) *config.Config {
	cfg, err := config.Read(log2.NewTest(t, log2.LDebug), config.NewMockFullReader(map[string]string{"edge.hcl": source}), "edge.hcl")
	require.NoError(t, err)
	return cfg
}

func recvMessage(t testing.TB, dec *wire.Decoder, ch <-chan []byte, typ wire.Type) wire.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		f, err := dec.Next()
		if err == nil {
			m, err := wire.DecodeMessage(f)
			require.NoError(t, err)
			if m.MessageType() == typ {
				return m
			}
			continue
		}
		require.Equal(t, wire.ErrNeedMore, err)
		select {
		case b := <-ch:
			dec.Feed(b)
		case <-deadline:
			t.Fatalf("expected %s", typ)
		}
	}
}

func TestApp(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	states := make(chan session.State, 32)
	app, err := edge.Build(log, readConfig(t, testConfig), edge.Options{
		OnState: func(s session.State) { states <- s },
	})
	require.NoError(t, err)
	defer app.Close()
	assert.Nil(t, app.Telemetry)
	assert.Nil(t, app.Indicator)
	assert.Equal(t, 2, app.Registry.Len())
	host := app.Transport.(*transport.Pipe).Host()

	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(context.Background()) }()

	dec := wire.NewDecoder(0)
	hs := recvMessage(t, dec, host.Recv(), wire.TypeHandshake).(*wire.Handshake)
	assert.Equal(t, "bench-1", hs.DeviceID)
	ctx := context.Background()
	require.NoError(t, host.Send(ctx, wire.Marshal(&wire.Handshake{Version: session.ProtocolVersion})))

	require.NoError(t, host.Send(ctx, wire.Marshal(&wire.Command{ID: 1, Opcode: uint32(dispatch.OpRead), Handle: "temp0"})))
	for {
		resp := recvMessage(t, dec, host.Recv(), wire.TypeCommandResponse).(*wire.CommandResponse)
		if resp.State == uint8(dispatch.StatePending) {
			continue
		}
		assert.Equal(t, uint8(dispatch.StateCompleted), resp.State)
		assert.True(t, value.Float(21.5).Equal(resp.Value), resp.Value.String())
		break
	}

	app.Shutdown()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	close(states)
	seen := []session.State{}
	for s := range states {
		seen = append(seen, s)
	}
	assert.Contains(t, seen, session.StateConnected)
	assert.Equal(t, session.StateDisconnected, seen[len(seen)-1])
	require.NoError(t, app.Close())
}

func TestRunCancel(t *testing.T) {
	t.Parallel()
	app, err := edge.Build(log2.NewTest(t, log2.LDebug), readConfig(t, testConfig), edge.Options{})
	require.NoError(t, err)
	defer app.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, app.Run(ctx))
}

func TestBuildError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		source string
		expect string
	}{
		{"no-device", `transport { url = "pipe://" }`, "device.id empty"},
		{"kind", `device { id = "x" } transport { url = "pipe://" } peripheral "p" { kind = "warp-drive" }`, "kind=warp-drive"},
		{"dup", `device { id = "x" } transport { url = "pipe://" } peripheral "p" { kind = "memory" } peripheral "p" { kind = "memory" }`, "already exists"},
		{"transport", `device { id = "x" } transport { url = "carrier-pigeon://coop" }`, "not supported"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			app, err := edge.Build(log2.NewTest(t, log2.LDebug), readConfig(t, c.source), edge.Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expect)
			if app != nil {
				assert.NoError(t, app.Close())
			}
		})
	}
}

func TestPatternFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		state  session.State
		expect indicator.Pattern
	}{
		{session.StateDisconnected, indicator.PatternFast},
		{session.StateConnecting, indicator.PatternSlow},
		{session.StateHandshaking, indicator.PatternSlow},
		{session.StateConnected, indicator.PatternSolid},
		{session.StateDraining, indicator.PatternOff},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, edge.PatternFor(c.state), c.state.String())
	}
}

func TestHoldFatal(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	levels := make(chan byte, 1024)
	lines := &gpio_mock.MockLines{}
	lines.On("SetFunc", uint32(2)).Return(gpio.LineSetFunc(func(b byte) {
		select {
		case levels <- b:
		default:
		}
	}))
	lines.On("Flush").Return(nil)
	lines.On("Close").Return(nil)
	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, "edge-indicator", uint32(2)).Return(lines, nil)
	chip.On("Close").Return(nil)
	ind, err := indicator.New(log, chip, 2)
	require.NoError(t, err)

	app, err := edge.Build(log, readConfig(t, `device { id = "x" } transport { url = "pipe://" } peripheral "p" { kind = "warp-drive" }`), edge.Options{})
	require.Error(t, err)
	app.Indicator = ind

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	app.HoldFatal(ctx)
	assert.True(t, time.Since(start) >= 250*time.Millisecond)
	// pattern is still running when hold ends
	seen := map[byte]bool{}
	for len(levels) > 0 {
		seen[<-levels] = true
	}
	assert.True(t, seen[1], "fatal pattern lights LED")
	require.NoError(t, app.Close())
	lines.AssertCalled(t, "Close")
	chip.AssertCalled(t, "Close")

	// disabled indicator does not block
	plain := &edge.App{}
	plain.HoldFatal(context.Background())
}
