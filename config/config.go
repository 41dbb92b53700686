// Package config reads device configuration from HCL sources with includes.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/astrobox-ng/edge/dispatch"
	"github.com/astrobox-ng/edge/helpers"
	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/peripheral"
	"github.com/astrobox-ng/edge/session"
	"github.com/astrobox-ng/edge/telemetry"
	"github.com/astrobox-ng/edge/transport"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Device struct {
		ID    string `hcl:"id"`
		Build string `hcl:"build"`
	}
	Log struct {
		Level string `hcl:"level"` // error|info|debug
	}
	Transport struct {
		URL               string `hcl:"url"`
		ClientID          string `hcl:"client_id"`
		TopicPrefix       string `hcl:"topic_prefix"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
	}
	Session struct {
		ConnectTimeoutSec    int     `hcl:"connect_timeout_sec"`
		SendTimeoutSec       int     `hcl:"send_timeout_sec"`
		HandshakeTimeoutSec  int     `hcl:"handshake_timeout_sec"`
		HeartbeatIntervalSec int     `hcl:"heartbeat_interval_sec"`
		HeartbeatMisses      int     `hcl:"heartbeat_misses"`
		DrainTimeoutSec      int     `hcl:"drain_timeout_sec"`
		StatIntervalSec      int     `hcl:"stat_interval_sec"`
		BackoffMinMs         int     `hcl:"backoff_min_ms"`
		BackoffMaxSec        int     `hcl:"backoff_max_sec"`
		BackoffK             float64 `hcl:"backoff_k"`
		MaxFrameSize         int     `hcl:"max_frame_size"`
		ErrorStorm           int     `hcl:"error_storm"`
	}
	Dispatch struct {
		MaxInFlight     int     `hcl:"max_inflight"`
		DefaultBudgetMs int     `hcl:"default_budget_ms"`
		MaxBudgetMs     int     `hcl:"max_budget_ms"`
		Retries         int     `hcl:"retries"`
		ResponseRetries int     `hcl:"response_retries"`
		RateLimit       float64 `hcl:"rate_limit"`
		RateBurst       int     `hcl:"rate_burst"`
	}
	Telemetry struct {
		Disable       bool `hcl:"disable"`
		PeriodSec     int  `hcl:"period_sec"`
		ReadTimeoutMs int  `hcl:"read_timeout_ms"`
		MaxPending    int  `hcl:"max_pending"`
	}
	Indicator struct {
		Enable bool   `hcl:"enable"`
		Chip   string `hcl:"chip"`
		Line   int    `hcl:"line"`
	}
	Peripheral []peripheral.Spec `hcl:"peripheral"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Device.ID == "" {
		errs = append(errs, errors.NotValidf("config device.id empty"))
	}
	if c.Transport.URL == "" {
		errs = append(errs, errors.NotValidf("config transport.url empty"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.MaxFrameSize < 0 {
		errs = append(errs, errors.NotValidf("config session.max_frame_size=%d", c.Session.MaxFrameSize))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) LogLevel() (log2.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "", "info":
		return log2.LInfo, nil
	case "error":
		return log2.LError, nil
	case "debug":
		return log2.LDebug, nil
	}
	return log2.LInfo, errors.NotValidf("config log.level=%s", c.Log.Level)
}

func (c *Config) TransportOptions(log *log2.Log) transport.Options {
	clientID := c.Transport.ClientID
	if clientID == "" {
		clientID = c.Device.ID
	}
	return transport.Options{
		Log:            log,
		NetworkTimeout: helpers.IntSecondDefault(c.Transport.NetworkTimeoutSec, transport.DefaultNetworkTimeout),
		ClientID:       clientID,
		TopicPrefix:    c.Transport.TopicPrefix,
		Username:       c.Transport.Username,
		Password:       c.Transport.Password,
		KeepAlive:      helpers.IntSecondDefault(c.Transport.KeepaliveSec, 0),
	}
}

func (c *Config) SessionConfig() session.Config {
	s := &c.Session
	backoff := session.DefaultBackoff
	backoff.Min = helpers.IntMillisDefault(s.BackoffMinMs, backoff.Min)
	backoff.Max = helpers.IntSecondDefault(s.BackoffMaxSec, backoff.Max)
	if s.BackoffK > 0 {
		backoff.K = float32(s.BackoffK)
	}
	return session.Config{
		DeviceID:          c.Device.ID,
		Build:             c.Device.Build,
		ConnectTimeout:    helpers.IntSecondDefault(s.ConnectTimeoutSec, session.DefaultConnectTimeout),
		SendTimeout:       helpers.IntSecondDefault(s.SendTimeoutSec, session.DefaultSendTimeout),
		HandshakeTimeout:  helpers.IntSecondDefault(s.HandshakeTimeoutSec, session.DefaultHandshakeTimeout),
		HeartbeatInterval: helpers.IntSecondDefault(s.HeartbeatIntervalSec, session.DefaultHeartbeatInterval),
		HeartbeatMisses:   s.HeartbeatMisses,
		DrainTimeout:      helpers.IntSecondDefault(s.DrainTimeoutSec, session.DefaultDrainTimeout),
		StatInterval:      helpers.IntSecondDefault(s.StatIntervalSec, 0),
		Backoff:           backoff,
		MaxFrameSize:      s.MaxFrameSize,
		ErrorStorm:        s.ErrorStorm,
	}
}

func (c *Config) DispatchConfig() dispatch.Config {
	d := &c.Dispatch
	return dispatch.Config{
		MaxInFlight:     d.MaxInFlight,
		DefaultBudget:   helpers.IntMillisDefault(d.DefaultBudgetMs, dispatch.DefaultBudget),
		MaxBudget:       helpers.IntMillisDefault(d.MaxBudgetMs, dispatch.DefaultMaxBudget),
		Retries:         d.Retries,
		ResponseRetries: d.ResponseRetries,
		RateLimit:       d.RateLimit,
		RateBurst:       d.RateBurst,
	}
}

// TelemetryConfig returns ok=false when telemetry is disabled.
func (c *Config) TelemetryConfig() (telemetry.Config, bool) {
	t := &c.Telemetry
	return telemetry.Config{
		Period:       helpers.IntSecondDefault(t.PeriodSec, telemetry.DefaultPeriod),
		ReadTimeout:  helpers.IntMillisDefault(t.ReadTimeoutMs, telemetry.DefaultReadTimeout),
		MaxPending:   t.MaxPending,
		MaxFrameSize: c.Session.MaxFrameSize,
	}, !t.Disable
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read merges sources in order, later values override earlier ones.
// With OsFullReader, includes are relative to directory of first name.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error config.Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if dir != "" {
			if err := osfs.SetBase(dir); err != nil {
				return nil, err
			}
		}
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

// ReadFile is Read from filesystem.
func ReadFile(log *log2.Log, path string) (*Config, error) {
	fs, err := NewOsFullReader(".")
	if err != nil {
		return nil, err
	}
	c, err := Read(log, fs, path)
	if err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// String shows merged config without secrets, for debug logs.
func (c *Config) String() string {
	return fmt.Sprintf("device=%s transport=%s peripherals=%d telemetry=%t",
		c.Device.ID, c.Transport.URL, len(c.Peripheral), !c.Telemetry.Disable)
}
