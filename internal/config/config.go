// Package config decodes ithildind's YAML configuration file into the
// nested section shapes spec.md §6 names: global, classes,
// message-set, privilege-set, protocols, commands, acl, server, ports,
// host-list, throttle, charmaps, addon. Hot-reload is explicitly out
// of scope (spec.md §1); Load is a one-shot parse used at startup and
// again, wholesale, on an operator-triggered REHASH.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Global carries the network-wide identity and resource defaults of
// spec.md §6's `global` section.
type Global struct {
	ServerName  string `yaml:"server-name"`
	Network     string `yaml:"network"`
	Description string `yaml:"description"`
	AdminEmail  string `yaml:"admin-email"`
	NickLen     int    `yaml:"nick-len"`
	ChannelLen  int    `yaml:"channel-len"`
	HistorySize int    `yaml:"history-size"`
	Charmap     string `yaml:"charmap"`
}

// Class is one `classes` entry: ping/sendq/flood ceilings and the
// message-set/privilege-set names it resolves against, per the Class
// record in internal/model.
type Class struct {
	Name            string `yaml:"name"`
	PingFreqSeconds int    `yaml:"ping-freq"`
	MaxMembers      int    `yaml:"max-members"`
	SendqCeiling    int    `yaml:"sendq-ceiling"`
	FloodCeiling    int    `yaml:"flood-ceiling"`
	DefaultModes    string `yaml:"default-modes"`
	MessageSet      string `yaml:"message-set"`
	PrivilegeSet    string `yaml:"privilege-set"`
}

// Set is one `message-set` or `privilege-set` entry: a named,
// include-stackable collection of string-keyed values, decoded
// generically (the msgset package classifies each value's Kind when
// it declares them).
type Set struct {
	Name    string            `yaml:"name"`
	Include []string          `yaml:"include"`
	Values  map[string]string `yaml:"values"`
}

// Protocol is one `protocols` entry, naming a wire dialect a port or
// server link advertises (e.g. "IRC|TS", "RFC1459").
type Protocol struct {
	Name string `yaml:"name"`
}

// Command is one `commands` entry overriding a built-in command's
// flags/weight/privilege, or declaring an alias.
type Command struct {
	Name         string `yaml:"name"`
	AliasOf      string `yaml:"alias-of"`
	OperatorOnly bool   `yaml:"operator-only"`
	Weight       int    `yaml:"weight"`
}

// ACLRule is one `acl` entry, mapped onto internal/acl.Rule at load
// time.
type ACLRule struct {
	Stage     string `yaml:"stage"` // "1", "2", or "3"
	Access    string `yaml:"access"` // "allow" or "deny"
	Number    int    `yaml:"number"`
	Host      string `yaml:"host"`
	Password  string `yaml:"password"`
	Gecos     string `yaml:"gecos"`
	Reason    string `yaml:"reason"`
	Redirect  string `yaml:"redirect"`
	ClassName string `yaml:"class"`
	SkipDNS   bool   `yaml:"skip-dns"`
	SkipIdent bool   `yaml:"skip-ident"`
}

// Server is one `server` entry describing a federation peer: its
// name, connect address, shared password, and hub/hidden flags.
type Server struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Hub      bool   `yaml:"hub"`
	Hidden   bool   `yaml:"hidden"`
	TLS      bool   `yaml:"tls"`
	// Master marks this peer as the network's AKILL-originating master
	// server, gating the acl.Distribute/ApplyRemote master-only check
	// of spec.md §6 (akill.c's SERVER_MASTER(srv)).
	Master bool `yaml:"master"`
}

// Port is one `ports` listener entry.
type Port struct {
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
	TLS      bool   `yaml:"tls"`
	Server   bool   `yaml:"server"` // true for a server-link-only listener
}

// HostList is one `host-list` entry: a named, reusable set of
// host/CIDR patterns referenced from ACL or throttle entries.
type HostList struct {
	Name  string   `yaml:"name"`
	Hosts []string `yaml:"hosts"`
}

// Throttle is the `throttle` section, mapped onto
// internal/acl.ThrottleConfig.
type Throttle struct {
	Trigger  int      `yaml:"trigger"`
	SpanSecs int      `yaml:"span-seconds"`
	Lengths  []string `yaml:"lengths"` // parsed with time.ParseDuration
	MaxStage int      `yaml:"max-stage"`
	CacheTTL string   `yaml:"cache-ttl"`
	Message  string   `yaml:"message"`
}

// Charmap is one `charmaps` entry: a named case-folding table plus
// extra upper/lower pairs beyond plain ASCII.
type Charmap struct {
	Name       string   `yaml:"name"`
	ExtraPairs []string `yaml:"extra-pairs"` // "X/x" two-char pairs
}

// Addon is one `addon` entry enabling an optional extension module by
// name (e.g. "watch", "sgline-burst-exception").
type Addon struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options"`
}

// Config is the fully-decoded configuration file.
type Config struct {
	Global        Global     `yaml:"global"`
	Classes       []Class    `yaml:"classes"`
	MessageSets   []Set      `yaml:"message-set"`
	PrivilegeSets []Set      `yaml:"privilege-set"`
	Protocols     []Protocol `yaml:"protocols"`
	Commands      []Command  `yaml:"commands"`
	ACL           []ACLRule  `yaml:"acl"`
	Servers       []Server   `yaml:"server"`
	Ports         []Port     `yaml:"ports"`
	HostLists     []HostList `yaml:"host-list"`
	Throttle      Throttle   `yaml:"throttle"`
	Charmaps      []Charmap  `yaml:"charmaps"`
	Addons        []Addon    `yaml:"addon"`
}

// Load reads and decodes the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ThrottleDuration parses the throttle section's cache-ttl string and
// returns time.ParseDuration's error if it is malformed. Lengths is
// not parsed here.
func (t Throttle) ThrottleDuration() (time.Duration, error) {
	return time.ParseDuration(t.CacheTTL)
}
