// Package indicator blinks status LED on a GPIO line.
// It is the only diagnostic channel when host is unreachable.
package indicator

import (
	"time"

	"github.com/astrobox-ng/edge/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	gpio "github.com/temoto/gpio-cdev-go"
)

type Pattern uint8

const (
	PatternOff Pattern = iota
	PatternSlow
	PatternSolid
	PatternFast
	PatternFatal
)

func (p Pattern) String() string {
	switch p {
	case PatternOff:
		return "off"
	case PatternSlow:
		return "slow"
	case PatternSolid:
		return "solid"
	case PatternFast:
		return "fast"
	case PatternFatal:
		return "fatal"
	}
	return "invalid"
}

type step struct {
	on  bool
	dur time.Duration
}

// zero dur means hold until pattern changes
var patterns = map[Pattern][]step{
	PatternOff:   {{false, 0}},
	PatternSolid: {{true, 0}},
	PatternSlow:  {{true, 200 * time.Millisecond}, {false, 1800 * time.Millisecond}},
	PatternFast:  {{true, 100 * time.Millisecond}, {false, 100 * time.Millisecond}},
	PatternFatal: {
		{true, 100 * time.Millisecond}, {false, 100 * time.Millisecond},
		{true, 100 * time.Millisecond}, {false, 100 * time.Millisecond},
		{true, 100 * time.Millisecond}, {false, 900 * time.Millisecond},
	},
}

// Indicator methods are safe on nil receiver, so disabled indicator needs no checks.
type Indicator struct {
	log   *log2.Log
	alive *alive.Alive
	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
	ch    chan Pattern
	scale time.Duration // test hook, step durations are divided by it
}

func Open(log *log2.Log, chipPath string, line uint32) (*Indicator, error) {
	chip, err := gpio.Open(chipPath, "edge-indicator")
	if err != nil {
		return nil, errors.Annotatef(err, "indicator gpio Open chip=%s", chipPath)
	}
	ind, err := New(log, chip, line)
	if err != nil {
		_ = chip.Close()
		return nil, err
	}
	return ind, nil
}

// New takes ownership of chip and starts blink loop.
func New(log *log2.Log, chip gpio.Chiper, line uint32) (*Indicator, error) {
	return newIndicator(log, chip, line, 1)
}

func newIndicator(log *log2.Log, chip gpio.Chiper, line uint32, scale time.Duration) (*Indicator, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "edge-indicator", line)
	if err != nil {
		return nil, errors.Annotatef(err, "indicator OpenLines line=%d", line)
	}
	ind := &Indicator{
		log:   log,
		alive: alive.NewAlive(),
		chip:  chip,
		lines: lines,
		set:   lines.SetFunc(line),
		ch:    make(chan Pattern, 1),
		scale: scale,
	}
	ind.alive.Add(1)
	go ind.run()
	return ind, nil
}

// Set replaces current pattern, never blocks.
func (ind *Indicator) Set(p Pattern) {
	if ind == nil {
		return
	}
	select {
	case <-ind.ch: // drop stale pattern
	default:
	}
	select {
	case ind.ch <- p:
	default:
	}
}

func (ind *Indicator) Close() error {
	if ind == nil {
		return nil
	}
	ind.alive.Stop()
	ind.alive.Wait()
	errLines := ind.lines.Close()
	errChip := ind.chip.Close()
	if errLines != nil {
		return errLines
	}
	return errChip
}

func (ind *Indicator) run() {
	defer ind.alive.Done()
	stopch := ind.alive.StopChan()
	current := patterns[PatternOff]
	i := 0
	var timer <-chan time.Time
	for {
		s := current[i%len(current)]
		ind.apply(s.on)
		timer = nil
		if s.dur != 0 {
			timer = time.After(s.dur / ind.scale)
		}
		select {
		case p := <-ind.ch:
			ind.log.Debugf("indicator pattern=%s", p)
			if steps, ok := patterns[p]; ok {
				current, i = steps, 0
			}
		case <-timer:
			i++
		case <-stopch:
			ind.apply(false)
			return
		}
	}
}

func (ind *Indicator) apply(on bool) {
	var b byte
	if on {
		b = 1
	}
	ind.set(b)
	if err := ind.lines.Flush(); err != nil {
		ind.log.Errorf("indicator flush: %v", err)
	}
}
