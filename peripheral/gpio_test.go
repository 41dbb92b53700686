package peripheral

import (
	"context"
	"fmt"
	"testing"

	"github.com/astrobox-ng/edge/value"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
)

func TestGpioOut(t *testing.T) {
	t.Parallel()

	var level byte = 0xff
	lines := &gpio_mock.MockLines{}
	lines.On("SetFunc", uint32(17)).Return(gpio.LineSetFunc(func(b byte) { level = b }))
	lines.On("Flush").Return(nil).Once()
	lines.On("Flush").Return(fmt.Errorf("EIO")).Once()
	lines.On("Read").Return(gpio.HandleData{Values: [gpio.GPIOHANDLES_MAX]byte{1}}, nil)
	lines.On("Close").Return(nil)
	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT|gpio.GPIOHANDLE_REQUEST_ACTIVE_LOW, gpioConsumer, uint32(17)).Return(lines, nil)
	chip.On("Close").Return(nil)

	d, err := NewGpioOut("relay", chip, 17, true)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Write(ctx, value.Bool(true)))
	assert.Equal(t, byte(1), level)
	s, _ := d.Status(ctx)
	assert.Equal(t, "online line=17 on=true", s.String())

	err = d.Write(ctx, value.Int(0))
	assert.True(t, IsHardwareFault(err), errors.ErrorStack(err))
	assert.Equal(t, byte(0), level)

	err = d.Write(ctx, value.Int(2))
	assert.True(t, errors.IsNotValid(err))
	err = d.Write(ctx, value.String("on"))
	assert.True(t, errors.IsNotValid(err))

	v, err := d.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Bool(true), v)

	require.NoError(t, d.Close())
	lines.AssertExpectations(t)
	chip.AssertExpectations(t)
}
