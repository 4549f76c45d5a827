package ltu

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SystemConfig is the radio's /tmp/system.cfg: key=value lines. Key order is
// kept so an edited file diffs cleanly against the downloaded one.
type SystemConfig struct {
	keys   []string
	values map[string]string
}

func ParseSystemConfig(data []byte) (*SystemConfig, error) {
	cfg := &SystemConfig{values: map[string]string{}}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("system.cfg line %d: missing '='", n)
		}
		cfg.Set(k, strings.TrimSpace(v))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read system.cfg")
	}
	return cfg, nil
}

func (c *SystemConfig) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *SystemConfig) Set(key, value string) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

func (c *SystemConfig) Delete(key string) {
	if _, ok := c.values[key]; !ok {
		return
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

func (c *SystemConfig) Bytes() []byte {
	var buf bytes.Buffer
	for _, k := range c.keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(c.values[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// baseline is applied to every radio regardless of customer.
var baseline = [][2]string{
	{"ame.net.jumbo", "disabled"},
	{"ame.net.lan_en", "enabled"},
	{"bridge.1.status", "enabled"},
	{"dhcpc.1.status", "enabled"},
	{"discovery.cdp.status", "disabled"},
	{"discovery.status", "enabled"},
	{"gui.language", "en_US"},
	{"gui.network.advanced.status", "disabled"},
	{"httpd.port", "80"},
	{"httpd.session.timeout", "900"},
	{"httpd.status", "enabled"},
	{"igmpproxy.status", "disabled"},
	{"netconf.1.autoip.status", "disabled"},
	{"netconf.1.flowcontrol.rx.status", "enabled"},
	{"netconf.1.flowcontrol.tx.status", "enabled"},
	{"netconf.1.mtu", "1500"},
	{"netconf.1.speed", "auto"},
	{"netconf.2.autoip.status", "disabled"},
	{"netconf.2.mtu", "1500"},
	{"radio.countrycode", "840"},
	{"resolv.nameserver.status", "enabled"},
	{"snmp.rwcommunity.status", "disabled"},
	{"snmp.status", "disabled"},
	{"sshd.auth.passwd", "enabled"},
	{"system.date.status", "disabled"},
	{"system.external.reset", "enabled"},
	{"system.imperial_units.status", "disabled"},
	{"system.timezone", "MST7MDT,M3.2.0,M11.1.0"},
	{"update.cent.status", "enabled"},
	{"update.check.status", "enabled"},
	{"users.1.status", "enabled"},
	{"users.2.gid", "100"},
	{"users.2.shell", "/bin/false"},
	{"users.2.status", "disabled"},
	{"users.2.uid", "100"},
	{"wireless.1.frame_offset", "0"},
	{"wireless.1.mcast.enhance", "0"},
	{"wireless.1.rate.mcs", "4"},
	{"wireless.1.scan_list.status", "disabled"},
	{"wireless.1.status", "enabled"},
	{"wireless.1.sync_mode", "1"},
	{"wireless.status", "enabled"},
	{"radio.1.reg_obey", "disabled"},
	{"radio.1.auto_txpower", "enabled"},
}

// FactoryPasswordHash is users.1.password on a radio that was never set up.
const FactoryPasswordHash = "$1$tL963iDU$SXu0h02ZZYfnoZcPkIlK21"

// Customer is what the radio needs to know about the install site.
type Customer struct {
	Hostname string
	Location *Point
}

// Settings are the site-independent values written by Apply.
type Settings struct {
	WirelessPSK string
	UNMSURI     string
	// PasswordHash replaces a factory admin password when non-empty.
	PasswordHash string
}

// Apply writes the baseline, the customer identity and the chosen sector.
func Apply(cfg *SystemConfig, c Customer, sector Sector, s Settings) {
	for _, kv := range baseline {
		cfg.Set(kv[0], kv[1])
	}
	cfg.Delete("netconf.2.up")

	hostname := c.Hostname
	if hostname == "" {
		hostname = "missing"
	}
	cfg.Set("resolv.host.1.name", "LTU-"+hostname)
	freq := strconv.Itoa(sector.Freq)
	cfg.Set("radio.1.chanbw", strconv.Itoa(sector.Bandwidth))
	cfg.Set("radio.1.freq", freq)
	cfg.Set("radio.1.rxfreq", freq)
	cfg.Set("radio.1.txfreq", freq)
	cfg.Set("wireless.1.ssid", "FRI-"+sector.Name)
	cfg.Set("wireless.1.security", "WPA2-PSK")
	cfg.Set("wireless.1.security.psk", s.WirelessPSK)
	cfg.Set("users.1.name", "ubnt")
	if current, _ := cfg.Get("users.1.password"); current == FactoryPasswordHash && s.PasswordHash != "" {
		cfg.Set("users.1.password", s.PasswordHash)
	}

	lat, lon := "", ""
	if c.Location != nil {
		lat = strconv.FormatFloat(c.Location.Lat, 'f', -1, 64)
		lon = strconv.FormatFloat(c.Location.Lon, 'f', -1, 64)
	}
	cfg.Set("system.height", "")
	cfg.Set("system.latitude", lat)
	cfg.Set("system.longitude", lon)
	if s.UNMSURI != "" {
		cfg.Set("unms.status", "enabled")
		cfg.Set("unms.uri", s.UNMSURI)
	} else {
		cfg.Set("unms.status", "disabled")
	}
}

// NeedsPassword reports whether the radio still has the factory password.
func NeedsPassword(cfg *SystemConfig) bool {
	v, _ := cfg.Get("users.1.password")
	return v == FactoryPasswordHash
}
