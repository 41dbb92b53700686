package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/astrobox-ng/edge/config"
	"github.com/astrobox-ng/edge/dispatch"
	"github.com/astrobox-ng/edge/helpers/cli"
	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/peripheral"
	"github.com/astrobox-ng/edge/telemetry"
	"github.com/astrobox-ng/edge/value"
	"github.com/astrobox-ng/edge/wire"
	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
)

const usage = `syntax: one command per line
(main)
- list          show peripherals: handle:kind:caps
- read H        read peripheral H
- write H V     write value V to peripheral H (true, 42, 1.5, "text", 0xCAFE)
- status H      peripheral H health
- collect       one telemetry round over all readable peripherals

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- help
`

var log = log2.NewStderr(log2.LInfo)

type console struct {
	log        *log2.Log
	registry   *peripheral.Registry
	dispatcher *dispatch.Dispatcher
	aggregator *telemetry.Aggregator
	budget     time.Duration
	nextID     uint32
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "edge.hcl", "config file, only peripheral blocks are used")
	flagBudget := cmdline.Duration("budget", 3*time.Second, "per command time budget")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	fs, err := config.NewOsFullReader(".")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	cfg, err := config.Read(log, fs, *flagConfig)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	registry, err := peripheral.Open(log.Named("peripheral"), cfg.Peripheral)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer registry.Close()

	tc, _ := cfg.TelemetryConfig()
	c := &console{
		log:        log,
		registry:   registry,
		dispatcher: dispatch.New(log.Named("dispatch"), registry, dispatch.Config{MaxBudget: *flagBudget}),
		aggregator: telemetry.New(log.Named("telemetry"), registry, tc),
		budget:     *flagBudget,
	}
	defer c.dispatcher.Close()

	cli.MainLoop("edge-cli", c.exec, c.completer())
}

func (self *console) exec(line string) {
	if err := self.run(context.Background(), line); err != nil {
		self.log.Error(errors.ErrorStack(err))
	}
}

func (self *console) run(ctx context.Context, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	arg := func(i int) (string, error) {
		if i >= len(words) {
			return "", errors.NotValidf("%s: missing argument %d", words[0], i)
		}
		return words[i], nil
	}

	switch words[0] {
	case "help":
		self.log.Info(usage)
		return nil
	case "log=yes":
		self.log.SetLevel(log2.LDebug)
		return nil
	case "log=no":
		self.log.SetLevel(log2.LInfo)
		return nil
	case "list":
		return self.command(ctx, dispatch.OpList, "", value.None())
	case "read", "status":
		h, err := arg(1)
		if err != nil {
			return err
		}
		op := dispatch.OpRead
		if words[0] == "status" {
			op = dispatch.OpStatus
		}
		return self.command(ctx, op, peripheral.Handle(h), value.None())
	case "write":
		h, err := arg(1)
		if err != nil {
			return err
		}
		text, err := arg(2)
		if err != nil {
			return err
		}
		v, err := value.Parse(strings.Join(words[2:], " "))
		if err != nil {
			return errors.Annotatef(err, "value=%s", text)
		}
		return self.command(ctx, dispatch.OpWrite, peripheral.Handle(h), v)
	case "collect":
		b, err := self.aggregator.Collect(ctx)
		if err != nil {
			return err
		}
		for _, s := range b.Samples {
			if s.Gap() {
				self.log.Infof("%s gap: %s", s.Handle, s.Fault)
			} else {
				self.log.Infof("%s = %s", s.Handle, s.Value.String())
			}
		}
		frames := telemetry.Pack(&b, wire.MaxFrameSize)
		self.log.Infof("samples=%d gaps=%d frames=%d", len(b.Samples), b.Gaps(), len(frames))
		return nil
	}
	return errors.NotValidf("command '%s', try help", words[0])
}

// command runs one operation through dispatcher, same path as host commands.
func (self *console) command(ctx context.Context, op dispatch.Opcode, h peripheral.Handle, v value.Value) error {
	self.nextID++
	id := self.nextID
	rs := self.dispatcher.Submit(ctx, dispatch.Command{ID: id, Op: op, Handle: h, Value: v, Budget: self.budget})
	for _, resp := range rs {
		if dispatch.State(resp.State).Final() {
			return self.print(resp)
		}
	}
	for {
		r := <-self.dispatcher.Results()
		resp, ok := self.dispatcher.Complete(r)
		if !ok || resp.ID != id {
			continue
		}
		self.dispatcher.Ack([]uint32{id})
		return self.print(resp)
	}
}

func (self *console) print(resp wire.CommandResponse) error {
	state := dispatch.State(resp.State)
	if state != dispatch.StateCompleted {
		return errors.Errorf("%s code=%s %s", state, dispatch.Code(resp.Code), resp.Message)
	}
	if v := resp.Value; !v.IsNone() {
		if s, ok := v.Str(); ok && strings.Contains(s, ",") {
			self.log.Info(strings.Replace(s, ",", "\n", -1))
			return nil
		}
		self.log.Infof("< %s", v.String())
		return nil
	}
	self.log.Info("ok")
	return nil
}

func (self *console) completer() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "list", Description: "show peripherals"},
		{Text: "read", Description: "read H"},
		{Text: "write", Description: "write H V"},
		{Text: "status", Description: "status H"},
		{Text: "collect", Description: "telemetry round"},
		{Text: "log=yes", Description: "debug logging"},
		{Text: "log=no", Description: "quiet logging"},
		{Text: "help", Description: "usage"},
	}
	handles := make([]prompt.Suggest, 0, self.registry.Len())
	for _, h := range self.registry.Handles() {
		d, _ := self.registry.Lookup(h)
		handles = append(handles, prompt.Suggest{Text: string(h), Description: fmt.Sprintf("%s %s", d.Kind(), d.Caps())})
	}

	return func(d prompt.Document) []prompt.Suggest {
		words := strings.Fields(d.TextBeforeCursor())
		if len(words) >= 1 && (len(words) > 1 || strings.HasSuffix(d.TextBeforeCursor(), " ")) {
			switch words[0] {
			case "read", "write", "status":
				return prompt.FilterHasPrefix(handles, d.GetWordBeforeCursor(), true)
			}
			return nil
		}
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}
