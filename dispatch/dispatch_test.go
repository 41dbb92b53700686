package dispatch_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astrobox-ng/edge/dispatch"
	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/peripheral"
	"github.com/astrobox-ng/edge/value"
	"github.com/astrobox-ng/edge/wire"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tenv struct {
	t    testing.TB
	ctx  context.Context
	d    *dispatch.Dispatcher
	temp *peripheral.Mock
	fan  *peripheral.Mock
}

func newEnv(t testing.TB, config dispatch.Config) *tenv {
	log := log2.NewTest(t, log2.LDebug)
	env := &tenv{
		t:    t,
		ctx:  log2.ContextWithLog(context.Background(), log),
		temp: peripheral.NewMock("temp0", peripheral.CapRead|peripheral.CapStatus, value.Float(21.5)),
		fan:  peripheral.NewMock("fan0", peripheral.CapWrite, value.Bool(false)),
	}
	reg := peripheral.NewRegistry(map[peripheral.Handle]peripheral.Driver{
		"temp0": env.temp,
		"fan0":  env.fan,
	})
	env.d = dispatch.New(log, reg, config)
	if tt, ok := t.(*testing.T); ok {
		tt.Cleanup(env.d.Close)
	}
	return env
}

func (env *tenv) submit(id uint32, op dispatch.Opcode, h string, v value.Value) wire.CommandResponse {
	env.t.Helper()
	rs := env.d.Submit(env.ctx, dispatch.Command{ID: id, Op: op, Handle: peripheral.Handle(h), Value: v})
	require.Len(env.t, rs, 1)
	return rs[0]
}

func (env *tenv) result() dispatch.Result {
	env.t.Helper()
	select {
	case r := <-env.d.Results():
		return r
	case <-time.After(5 * time.Second):
		env.t.Fatal("result timeout")
	}
	return dispatch.Result{}
}

func (env *tenv) complete() wire.CommandResponse {
	env.t.Helper()
	resp, ok := env.d.Complete(env.result())
	require.True(env.t, ok, "stale result")
	return resp
}

func assertResp(t testing.TB, resp wire.CommandResponse, id uint32, state dispatch.State, code dispatch.Code) {
	t.Helper()
	assert.Equal(t, id, resp.ID, "id")
	assert.Equal(t, state.String(), dispatch.State(resp.State).String(), "state")
	assert.Equal(t, code.String(), dispatch.Code(resp.Code).String(), "code msg=%s", resp.Message)
}

func TestReadComplete(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})

	ack := env.submit(1, dispatch.OpRead, "temp0", value.None())
	assertResp(t, ack, 1, dispatch.StatePending, dispatch.CodeOK)

	resp := env.complete()
	assertResp(t, resp, 1, dispatch.StateCompleted, dispatch.CodeOK)
	assert.True(t, value.Float(21.5).Equal(resp.Value), resp.Value.String())
	assert.Equal(t, dispatch.StateCompleted, env.d.State(1))
	assert.Equal(t, 1, env.d.Awaiting())

	env.d.Ack([]uint32{1})
	assert.Equal(t, dispatch.StateUnknown, env.d.State(1))
	assert.Equal(t, 0, env.d.Awaiting())
}

func TestWriteStatusList(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})

	env.submit(1, dispatch.OpWrite, "fan0", value.Bool(true))
	assertResp(t, env.complete(), 1, dispatch.StateCompleted, dispatch.CodeOK)
	assert.True(t, value.Bool(true).Equal(env.fan.Value()))

	env.submit(2, dispatch.OpStatus, "temp0", value.None())
	resp := env.complete()
	assertResp(t, resp, 2, dispatch.StateCompleted, dispatch.CodeOK)
	assert.True(t, value.String("online").Equal(resp.Value), resp.Value.String())

	env.submit(3, dispatch.OpList, "", value.None())
	resp = env.complete()
	assert.True(t, value.String("fan0:mock:-w-,temp0:mock:r-s").Equal(resp.Value), resp.Value.String())
}

func TestReject(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		op   dispatch.Opcode
		h    string
		code dispatch.Code
	}{
		{"unknown-opcode", 0x7f, "temp0", dispatch.CodeUnsupportedOperation},
		{"zero-opcode", 0, "temp0", dispatch.CodeUnsupportedOperation},
		{"unknown-peripheral", dispatch.OpRead, "nope", dispatch.CodeUnknownPeripheral},
		{"write-readonly", dispatch.OpWrite, "temp0", dispatch.CodeUnsupportedOperation},
		{"read-writeonly", dispatch.OpRead, "fan0", dispatch.CodeUnsupportedOperation},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, dispatch.Config{})
			resp := env.submit(9, c.op, c.h, value.Int(1))
			assertResp(t, resp, 9, dispatch.StateRejected, c.code)
			assert.Equal(t, dispatch.StateUnknown, env.d.State(9))
			assert.Equal(t, 0, env.temp.Reads()+env.fan.Writes())
		})
	}
}

func TestDuplicateInFlight(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	env.temp.Delay = 5 * time.Second

	env.submit(7, dispatch.OpRead, "temp0", value.None())
	resp := env.submit(7, dispatch.OpRead, "temp0", value.None())
	assertResp(t, resp, 7, dispatch.StateRejected, dispatch.CodeDuplicateCommand)
	assert.Equal(t, dispatch.StateExecuting, env.d.State(7))
	assert.Equal(t, 1, env.d.InFlight())
}

func TestDuplicateFinishedResends(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	env.submit(7, dispatch.OpRead, "temp0", value.None())
	final := env.complete()

	resp := env.submit(7, dispatch.OpRead, "temp0", value.None())
	assert.Equal(t, final, resp)
	assert.Equal(t, 1, env.temp.Reads())
}

func TestTimeoutExactlyOnce(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	env.temp.Delay = 300 * time.Millisecond
	env.temp.Stubborn = true

	rs := env.d.Submit(env.ctx, dispatch.Command{ID: 3, Op: dispatch.OpRead, Handle: "temp0", Budget: 20 * time.Millisecond})
	require.Len(t, rs, 1)
	r := env.result()
	resp, ok := env.d.Complete(r)
	require.True(t, ok)
	assertResp(t, resp, 3, dispatch.StateTimedOut, dispatch.CodeTimedOut)

	_, ok = env.d.Complete(r)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), env.d.Stat().TimedOut)

	// stubborn driver finishing later produces no second result
	select {
	case r := <-env.d.Results():
		t.Fatalf("unexpected result %#v", r)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestBudgetCapped(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{DefaultBudget: 10 * time.Millisecond, MaxBudget: 30 * time.Millisecond})
	env.temp.Delay = 5 * time.Second

	start := time.Now()
	env.d.Submit(env.ctx, dispatch.Command{ID: 1, Op: dispatch.OpRead, Handle: "temp0", Budget: time.Hour})
	assertResp(t, env.complete(), 1, dispatch.StateTimedOut, dispatch.CodeTimedOut)
	assert.True(t, time.Since(start) < 2*time.Second)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	env.temp.Delay = 5 * time.Second

	env.submit(5, dispatch.OpRead, "temp0", value.None())
	resp, ok := env.d.Cancel(5)
	require.True(t, ok)
	assertResp(t, resp, 5, dispatch.StateFailed, dispatch.CodeCancelled)

	// worker observes cancelled ctx, its result is stale
	_, ok = env.d.Complete(env.result())
	assert.False(t, ok)
	assert.Equal(t, dispatch.StateFailed, env.d.State(5))

	_, ok = env.d.Cancel(5)
	assert.False(t, ok)
	_, ok = env.d.Cancel(404)
	assert.False(t, ok)
}

func TestCancelAfterCompleteNoop(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	env.submit(7, dispatch.OpRead, "temp0", value.None())
	final := env.complete()

	_, ok := env.d.Cancel(7)
	assert.False(t, ok)
	assert.Equal(t, dispatch.StateCompleted, env.d.State(7))
	assert.Equal(t, []wire.CommandResponse{final}, env.d.Resend())
}

func TestFailAll(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	env.temp.Delay = 5 * time.Second
	env.fan.Delay = 5 * time.Second

	env.submit(2, dispatch.OpWrite, "fan0", value.Bool(true))
	env.submit(1, dispatch.OpRead, "temp0", value.None())
	rs := env.d.FailAll(dispatch.CodeConnectionLost)
	require.Len(t, rs, 2)
	assertResp(t, rs[0], 1, dispatch.StateFailed, dispatch.CodeConnectionLost)
	assertResp(t, rs[1], 2, dispatch.StateFailed, dispatch.CodeConnectionLost)
	assert.Equal(t, 0, env.d.InFlight())
	assert.Equal(t, 0, env.d.Awaiting())

	assert.Len(t, env.d.FailAll(dispatch.CodeConnectionLost), 0)
	for i := 0; i < 2; i++ {
		_, ok := env.d.Complete(env.result())
		assert.False(t, ok)
	}

	// same id is fresh after reconnect
	ack := env.submit(1, dispatch.OpList, "", value.None())
	assertResp(t, ack, 1, dispatch.StatePending, dispatch.CodeOK)
}

func TestRetryHardwareFault(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	var calls int32
	env.temp.ReadFunc = func(ctx context.Context) (value.Value, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return value.None(), peripheral.Fault("temp0", fmt.Errorf("i2c nack"))
		}
		return value.Float(20), nil
	}
	env.submit(1, dispatch.OpRead, "temp0", value.None())
	assertResp(t, env.complete(), 1, dispatch.StateCompleted, dispatch.CodeOK)
	assert.Equal(t, 2, env.temp.Reads())
	assert.Equal(t, uint64(1), env.d.Stat().Retried)
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()
	cases := []struct {
		retries int
		reads   int
	}{
		{0, 2},
		{-1, 1},
		{3, 4},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprint(c.retries), func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, dispatch.Config{Retries: c.retries})
			env.temp.ReadFunc = func(ctx context.Context) (value.Value, error) {
				return value.None(), peripheral.Fault("temp0", fmt.Errorf("bus stuck"))
			}
			env.submit(1, dispatch.OpRead, "temp0", value.None())
			resp := env.complete()
			assertResp(t, resp, 1, dispatch.StateFailed, dispatch.CodeHardwareFault)
			assert.Contains(t, resp.Message, "bus stuck")
			assert.Equal(t, c.reads, env.temp.Reads())
		})
	}
}

func TestInvalidValueNotRetried(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{})
	lo, hi := 0.0, 1.0
	env.fan.SetRange(&lo, &hi)

	env.submit(1, dispatch.OpWrite, "fan0", value.Int(5))
	assertResp(t, env.complete(), 1, dispatch.StateFailed, dispatch.CodeInvalidValue)
	assert.Equal(t, 1, env.fan.Writes())
}

func TestBusy(t *testing.T) {
	t.Parallel()
	t.Run("in-flight", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t, dispatch.Config{MaxInFlight: 1})
		env.temp.Delay = 5 * time.Second
		env.submit(1, dispatch.OpRead, "temp0", value.None())
		assertResp(t, env.submit(2, dispatch.OpRead, "temp0", value.None()), 2, dispatch.StateRejected, dispatch.CodeBusy)
	})
	t.Run("rate", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t, dispatch.Config{RateLimit: 0.001, RateBurst: 1})
		env.submit(1, dispatch.OpRead, "temp0", value.None())
		env.complete()
		assertResp(t, env.submit(2, dispatch.OpRead, "temp0", value.None()), 2, dispatch.StateRejected, dispatch.CodeBusy)
	})
}

func TestResendBudget(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Config{ResponseRetries: 2})
	env.submit(1, dispatch.OpRead, "temp0", value.None())
	env.submit(2, dispatch.OpRead, "temp0", value.None())
	env.complete()
	env.complete()

	assert.Len(t, env.d.Resend(), 2)
	env.d.Ack([]uint32{2, 404})
	rs := env.d.Resend()
	require.Len(t, rs, 1)
	assert.Equal(t, uint32(1), rs[0].ID)
	assert.Len(t, env.d.Resend(), 0)
	assert.Equal(t, dispatch.StateUnknown, env.d.State(1))
	assert.Equal(t, uint64(1), env.d.Stat().Expired)
}

func TestCodeOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		code dispatch.Code
	}{
		{nil, dispatch.CodeOK},
		{errors.NotValidf("x"), dispatch.CodeInvalidValue},
		{errors.Annotate(errors.NotValidf("x"), "wrap"), dispatch.CodeInvalidValue},
		{peripheral.Fault("h", fmt.Errorf("x")), dispatch.CodeHardwareFault},
		{errors.NotSupportedf("x"), dispatch.CodeUnsupportedOperation},
		{errors.NotFoundf("x"), dispatch.CodeUnknownPeripheral},
		{context.DeadlineExceeded, dispatch.CodeTimedOut},
		{context.Canceled, dispatch.CodeCancelled},
		{fmt.Errorf("other"), dispatch.CodeHardwareFault},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, dispatch.CodeOf(c.err), "err=%v", c.err)
	}
}

func TestFromWire(t *testing.T) {
	t.Parallel()
	c := dispatch.FromWire(&wire.Command{ID: 4, Opcode: 2, Handle: "fan0", Value: value.Int(1), TimeoutMs: 1500})
	assert.Equal(t, uint32(4), c.ID)
	assert.Equal(t, dispatch.OpWrite, c.Op)
	assert.Equal(t, peripheral.Handle("fan0"), c.Handle)
	assert.Equal(t, 1500*time.Millisecond, c.Budget)
}
