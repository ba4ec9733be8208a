package profiles

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"obdagent/internal/obd"
)

//go:embed catalog.yaml
var builtin []byte

// Protocol identifies an ELM327 bus protocol.
type Protocol string

const (
	ProtocolAuto      Protocol = "AUTO"
	ProtocolJ1850PWM  Protocol = "J1850_PWM"
	ProtocolJ1850VPW  Protocol = "J1850_VPW"
	ProtocolISO9141   Protocol = "ISO_9141_2"
	ProtocolKWP5Baud  Protocol = "KWP_5BAUD"
	ProtocolKWPFast   Protocol = "KWP_FAST"
	ProtocolCAN11B500 Protocol = "CAN_11B_500"
	ProtocolCAN29B500 Protocol = "CAN_29B_500"
	ProtocolCAN11B250 Protocol = "CAN_11B_250"
	ProtocolCAN29B250 Protocol = "CAN_29B_250"
)

const (
	genericMake  = "Generic"
	modernModel  = "Modern (2008+)"
	legacyModel  = "Legacy (pre-2008)"
	modernCutoff = 2008
)

type Headers struct {
	Request  string `yaml:"request"`
	Response string `yaml:"response"`
}

// ProtocolConfig is one entry of a protocol try sequence.
type ProtocolConfig struct {
	Protocol     Protocol
	Command      string
	Timeout      time.Duration
	InitCommands []string
	Headers      *Headers
	Description  string
}

// Apply returns cfg set up to select this protocol.
func (p ProtocolConfig) Apply(cfg obd.Config) obd.Config {
	cfg.Protocol = p.Command
	cfg.InitCommands = append([]string(nil), p.InitCommands...)
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = int(p.Timeout / time.Millisecond)
	}
	return cfg
}

func (p ProtocolConfig) clone() ProtocolConfig {
	p.InitCommands = append([]string(nil), p.InitCommands...)
	if p.Headers != nil {
		h := *p.Headers
		p.Headers = &h
	}
	return p
}

// YearRange bounds are inclusive; zero means open.
type YearRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (r YearRange) contains(year int) bool {
	if r.Min != 0 && year < r.Min {
		return false
	}
	if r.Max != 0 && year > r.Max {
		return false
	}
	return true
}

type Quirks struct {
	SlowInit        bool   `yaml:"slow_init"`
	CustomHeaders   bool   `yaml:"custom_headers"`
	ExtendedTimeout bool   `yaml:"extended_timeout"`
	Notes           string `yaml:"notes"`
}

type Profile struct {
	Make      string
	Model     string
	Years     YearRange
	Primary   ProtocolConfig
	Fallbacks []ProtocolConfig
	Quirks    Quirks
}

func (p Profile) clone() Profile {
	p.Primary = p.Primary.clone()
	fb := make([]ProtocolConfig, len(p.Fallbacks))
	for i, c := range p.Fallbacks {
		fb[i] = c.clone()
	}
	p.Fallbacks = fb
	return p
}

// Sequence returns the primary protocol followed by the fallbacks.
func (p Profile) Sequence() []ProtocolConfig {
	out := make([]ProtocolConfig, 0, 1+len(p.Fallbacks))
	out = append(out, p.Primary.clone())
	for _, c := range p.Fallbacks {
		out = append(out, c.clone())
	}
	return out
}

type fileProtocol struct {
	ID           Protocol `yaml:"id"`
	Command      string   `yaml:"command"`
	TimeoutMs    int      `yaml:"timeout_ms"`
	InitCommands []string `yaml:"init_commands"`
	Headers      *Headers `yaml:"headers"`
	Description  string   `yaml:"description"`
}

type fileProfile struct {
	Make      string     `yaml:"make"`
	Model     string     `yaml:"model"`
	Year      YearRange  `yaml:"year"`
	Primary   Protocol   `yaml:"primary"`
	Fallbacks []Protocol `yaml:"fallbacks"`
	Quirks    Quirks     `yaml:"quirks"`
}

type file struct {
	Protocols []fileProtocol `yaml:"protocols"`
	Profiles  []fileProfile  `yaml:"profiles"`
}

// Catalog is an immutable set of protocols and make profiles.
// All lookups return copies.
type Catalog struct {
	protocols map[Protocol]ProtocolConfig
	order     []Protocol
	profiles  []Profile
}

// Load parses a YAML catalog. Every profile must reference known protocols.
func Load(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{protocols: make(map[Protocol]ProtocolConfig, len(f.Protocols))}
	for _, p := range f.Protocols {
		if p.ID == "" || p.Command == "" {
			return nil, fmt.Errorf("protocol %q: id and command are required", p.ID)
		}
		if _, dup := c.protocols[p.ID]; dup {
			return nil, fmt.Errorf("protocol %q defined twice", p.ID)
		}
		c.protocols[p.ID] = ProtocolConfig{
			Protocol:     p.ID,
			Command:      strings.ToUpper(p.Command),
			Timeout:      time.Duration(p.TimeoutMs) * time.Millisecond,
			InitCommands: p.InitCommands,
			Headers:      p.Headers,
			Description:  p.Description,
		}
		c.order = append(c.order, p.ID)
	}
	if _, ok := c.protocols[ProtocolAuto]; !ok {
		return nil, fmt.Errorf("catalog has no %s protocol", ProtocolAuto)
	}

	for _, fp := range f.Profiles {
		primary, ok := c.protocols[fp.Primary]
		if !ok {
			return nil, fmt.Errorf("profile %s: unknown primary protocol %q", fp.Make, fp.Primary)
		}
		p := Profile{Make: fp.Make, Model: fp.Model, Years: fp.Year, Primary: primary, Quirks: fp.Quirks}
		for _, id := range fp.Fallbacks {
			fb, ok := c.protocols[id]
			if !ok {
				return nil, fmt.Errorf("profile %s: unknown fallback protocol %q", fp.Make, id)
			}
			p.Fallbacks = append(p.Fallbacks, fb)
		}
		c.profiles = append(c.profiles, p)
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the built-in catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(builtin)
		if err != nil {
			panic(fmt.Sprintf("profiles: built-in catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Protocol returns the config for id.
func (c *Catalog) Protocol(id Protocol) (ProtocolConfig, bool) {
	p, ok := c.protocols[id]
	if !ok {
		return ProtocolConfig{}, false
	}
	return p.clone(), true
}

// Protocols lists every protocol in catalog order.
func (c *Catalog) Protocols() []ProtocolConfig {
	out := make([]ProtocolConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.protocols[id].clone())
	}
	return out
}

// VehicleProfile picks the profile for vehicleMake and year (0 when unknown).
// An exact make match wins over the generic profiles; unknown makes get the
// generic profile for the year, generic modern when the year is unknown.
// It never fails.
func (c *Catalog) VehicleProfile(vehicleMake string, year int) Profile {
	want := strings.ToLower(strings.TrimSpace(vehicleMake))

	var candidates []Profile
	for _, p := range c.profiles {
		m := strings.ToLower(p.Make)
		if m != want && p.Make != genericMake {
			continue
		}
		if year != 0 && !p.Years.contains(year) {
			continue
		}
		candidates = append(candidates, p)
	}

	for _, p := range candidates {
		if strings.ToLower(p.Make) == want {
			return p.clone()
		}
	}

	model := modernModel
	if year != 0 && year < modernCutoff {
		model = legacyModel
	}
	for _, p := range candidates {
		if p.Make == genericMake && p.Model == model {
			return p.clone()
		}
	}
	if len(candidates) > 0 {
		return candidates[0].clone()
	}
	return c.fallback()
}

func (c *Catalog) fallback() Profile {
	p := Profile{Make: "Unknown", Primary: c.protocols[ProtocolAuto].clone()}
	for _, id := range c.order {
		if id != ProtocolAuto {
			p.Fallbacks = append(p.Fallbacks, c.protocols[id].clone())
		}
	}
	return p
}

// ProtocolSequence returns the protocols to try, in order.
func (c *Catalog) ProtocolSequence(vehicleMake string, year int) []ProtocolConfig {
	return c.VehicleProfile(vehicleMake, year).Sequence()
}

// RecommendedTimeout is the primary protocol timeout raised for slow vehicles.
func (c *Catalog) RecommendedTimeout(vehicleMake string, year int) time.Duration {
	p := c.VehicleProfile(vehicleMake, year)
	timeout := p.Primary.Timeout
	if p.Quirks.ExtendedTimeout {
		timeout = max(timeout, 5*time.Second)
	}
	if p.Quirks.SlowInit {
		timeout = max(timeout, 6*time.Second)
	}
	return timeout
}

func (c *Catalog) RequiresSlowInit(vehicleMake string, year int) bool {
	return c.VehicleProfile(vehicleMake, year).Quirks.SlowInit
}

// InitCommands are the extra bring-up commands of the primary protocol.
func (c *Catalog) InitCommands(vehicleMake string, year int) []string {
	return c.VehicleProfile(vehicleMake, year).Primary.InitCommands
}
