//go:generate go run github.com/abice/go-enum -f=$GOFILE --marshal --names
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"github.com/akaitux/transparent-vpn/log"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

const (
	udpPort   = 53
	tlsPort   = 853
	httpsPort = 443
)

// NetProtocol transport used to reach an upstream forwarder ENUM(
// tcp+udp // TCP and UDP protocols
// tcp-tls // TCP-TLS protocol
// https // HTTPS (DoH) protocol
// )
type NetProtocol uint16

// nolint:gochecknoglobals
var netDefaultPort = map[NetProtocol]uint16{
	NetProtocolTcpUdp: udpPort,
	NetProtocolTcpTls: tlsPort,
	NetProtocolHttps:  httpsPort,
}

// Duration wraps time.Duration with a YAML decoder that treats a bare number as minutes
type Duration time.Duration

func (c Duration) ToDuration() time.Duration {
	return time.Duration(c)
}

func (c *Duration) String() string {
	return durafmt.Parse(time.Duration(*c)).String()
}

// UnmarshalYAML creates Duration from YAML. If no unit is used, uses minutes
func (c *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var input string
	if err := unmarshal(&input); err != nil {
		return err
	}

	if minutes, err := strconv.Atoi(input); err == nil {
		*c = Duration(time.Duration(minutes) * time.Minute)

		return nil
	}

	duration, err := time.ParseDuration(input)
	if err == nil {
		*c = Duration(duration)

		return nil
	}

	return err
}

// Upstream is the definition of an external DNS forwarder
type Upstream struct {
	Net        NetProtocol
	Host       string
	Port       uint16
	Path       string
	CommonName string // Common Name to use for certificate verification; optional. "" uses .Host
}

// IsDefault returns true if u is the default value
func (u *Upstream) IsDefault() bool {
	return *u == Upstream{}
}

// String returns the string representation of u
func (u *Upstream) String() string {
	if u.IsDefault() {
		return "no upstream"
	}

	var sb strings.Builder

	sb.WriteString(u.Net.String())
	sb.WriteRune(':')

	if u.Net == NetProtocolHttps {
		sb.WriteString("//")
	}

	isIPv6 := strings.ContainsRune(u.Host, ':')
	if isIPv6 {
		sb.WriteRune('[')
		sb.WriteString(u.Host)
		sb.WriteRune(']')
	} else {
		sb.WriteString(u.Host)
	}

	if u.Port != netDefaultPort[u.Net] {
		sb.WriteRune(':')
		sb.WriteString(fmt.Sprint(u.Port))
	}

	if u.Path != "" {
		sb.WriteString(u.Path)
	}

	return sb.String()
}

// UnmarshalYAML creates Upstream from YAML
func (u *Upstream) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	upstream, err := ParseUpstream(s)
	if err != nil {
		return fmt.Errorf("can't convert upstream '%s': %w", s, err)
	}

	*u = upstream

	return nil
}

var validDomain = regexp.MustCompile(
	`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)

// ParseUpstream creates new Upstream from passed string in format [net]:host[:port][/path][#commonname]
func ParseUpstream(upstream string) (Upstream, error) {
	var path string

	var port uint16

	commonName, upstream := extractCommonName(upstream)

	n, upstream := extractNet(upstream)

	path, upstream = extractPath(upstream)

	host, portString, err := net.SplitHostPort(upstream)

	if err == nil {
		p, err := ConvertPort(portString)
		if err != nil {
			return Upstream{}, fmt.Errorf("can't convert port to number (1 - 65535) %w", err)
		}

		port = p
	} else {
		host = upstream
		port = netDefaultPort[n]

		host = strings.TrimPrefix(host, "[")
		host = strings.TrimSuffix(host, "]")
	}

	if ip := net.ParseIP(host); ip == nil {
		if !validDomain.MatchString(host) {
			return Upstream{}, fmt.Errorf("wrong host name '%s'", host)
		}
	}

	return Upstream{
		Net:        n,
		Host:       host,
		Port:       port,
		Path:       path,
		CommonName: commonName,
	}, nil
}

func extractCommonName(in string) (string, string) {
	upstream, cn, _ := strings.Cut(in, "#")

	return cn, upstream
}

func extractPath(in string) (path string, upstream string) {
	slashIdx := strings.Index(in, "/")

	if slashIdx >= 0 {
		path = in[slashIdx:]
		upstream = in[:slashIdx]
	} else {
		upstream = in
	}

	return
}

func extractNet(upstream string) (NetProtocol, string) {
	tcpUDPPrefix := NetProtocolTcpUdp.String() + ":"
	if strings.HasPrefix(upstream, tcpUDPPrefix) {
		return NetProtocolTcpUdp, upstream[len(tcpUDPPrefix):]
	}

	tcpTLSPrefix := NetProtocolTcpTls.String() + ":"
	if strings.HasPrefix(upstream, tcpTLSPrefix) {
		return NetProtocolTcpTls, upstream[len(tcpTLSPrefix):]
	}

	httpsPrefix := NetProtocolHttps.String() + ":"
	if strings.HasPrefix(upstream, httpsPrefix) {
		return NetProtocolHttps, strings.TrimPrefix(upstream[len(httpsPrefix):], "//")
	}

	return NetProtocolTcpUdp, upstream
}

// ListenConfig is a list of address(es) to listen on
type ListenConfig []string

// UnmarshalYAML creates ListenConfig from YAML
func (l *ListenConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var addresses string
	if err := unmarshal(&addresses); err != nil {
		return err
	}

	*l = strings.Split(addresses, ",")

	return nil
}

// UpstreamConfig is the set of upstream forwarders, optionally weighted for selection
type UpstreamConfig struct {
	Resolvers []Upstream `yaml:"resolvers"`
	Timeout   Duration   `yaml:"timeout" default:"2s"`
}

// MappingConfig controls synthetic-IP allocation and TTL handling for mapped domains
type MappingConfig struct {
	IPv4Subnet            string   `yaml:"ipv4Subnet" default:"100.64.0.0/16"`
	EnableIPv6Mapping     bool     `yaml:"enableIPv6Mapping" default:"false"`
	EnableIPv6Forward     bool     `yaml:"enableIPv6Forward" default:"true"`
	PositiveTTL           Duration `yaml:"positiveTTL" default:"5m"`
	NegativeTTL           Duration `yaml:"negativeTTL" default:"30s"`
	RecordLookupCacheTTL  Duration `yaml:"recordLookupCacheTTL" default:"5m"`
	CleanupRecordAfter    Duration `yaml:"cleanupRecordAfter" default:"10m"`
}

// RouterConfig controls the firewall/NAT rule manager
type RouterConfig struct {
	ChainName   string `yaml:"chainName" default:"TRSPVPN"`
	VPNSubnet   string `yaml:"vpnSubnet" default:"100.64.0.0/16"`
	DisableIPv6 bool   `yaml:"disableIPv6" default:"true"`
	Mock        bool   `yaml:"mock" default:"false"`
}

// ReaperConfig controls the periodic eviction sweep
type ReaperConfig struct {
	Interval Duration `yaml:"interval" default:"30s"`
	// ClearAfterTTL is the whole-set hard-expiry age: a ProxyRecordSet that
	// hasn't been re-queried in this long is evicted entirely, regardless
	// of any individual record's CleanupAt.
	ClearAfterTTL Duration `yaml:"clearAfterTtl" default:"24h"`
}

// BlocklistConfig controls the blocklist feed downloader
type BlocklistConfig struct {
	StaticBlocked         []string `yaml:"staticBlocked"`
	StaticExcluded        []string `yaml:"staticExcluded"`
	ZapretDomainsCSVURL   string   `yaml:"zapretDomainsCsvUrl"`
	ZapretNXDomainsTXTURL string   `yaml:"zapretNxdomainsTxtUrl"`
	WorkDir               string   `yaml:"workDir" default:"/var/lib/transparent-vpn/dns"`
	RefreshPeriod         Duration `yaml:"refreshPeriod" default:"4h"`
	DownloadTimeout       Duration `yaml:"downloadTimeout" default:"60s"`
	DownloadAttempts      uint     `yaml:"downloadAttempts" default:"3"`
	DownloadCooldown      Duration `yaml:"downloadCooldown" default:"1s"`
	ProcessingConcurrency uint     `yaml:"processingConcurrency" default:"4"`
}

// PrometheusConfig contains the config values for prometheus
type PrometheusConfig struct {
	Enable bool   `yaml:"enable" default:"false"`
	Path   string `yaml:"path" default:"/metrics"`
}

// RedisConfig configuration for the optional distributed domainset cache
type RedisConfig struct {
	Address            string   `yaml:"address"`
	Password           string   `yaml:"password" default:""`
	Database           int      `yaml:"database" default:"0"`
	ConnectionAttempts int      `yaml:"connectionAttempts" default:"3"`
	ConnectionCooldown Duration `yaml:"connectionCooldown" default:"1s"`
}

// Config is the root configuration document
// nolint:maligned
type Config struct {
	Listen     ListenConfig     `yaml:"listen" default:"[\"53\"]"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Blocklist  BlocklistConfig  `yaml:"blocklist"`
	Mapping    MappingConfig    `yaml:"mapping"`
	Router     RouterConfig     `yaml:"router"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Redis      RedisConfig      `yaml:"redis"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	HTTPPort   int              `yaml:"httpPort" default:"4000"`
	LogLevel   log.Level        `yaml:"logLevel" default:"info"`
	LogFormat  log.FormatType   `yaml:"logFormat" default:"text"`
	LogPrivacy bool             `yaml:"logPrivacy" default:"false"`
}

// nolint:gochecknoglobals
var (
	config  = &Config{}
	cfgLock sync.RWMutex
)

// LoadConfig creates new config from YAML file or a directory containing YAML files
func LoadConfig(path string, mandatory bool) (*Config, error) {
	cfgLock.Lock()
	defer cfgLock.Unlock()

	cfg := Config{}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("can't apply default values: %w", err)
	}

	fs, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !mandatory {
			config = &cfg

			return config, nil
		}

		return nil, fmt.Errorf("can't read config file(s): %w", err)
	}

	var data []byte

	if fs.IsDir() {
		data, err = readFromDir(path, data)
		if err != nil {
			return nil, fmt.Errorf("can't read config files: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("can't read config file: %w", err)
		}
	}

	if err := unmarshalConfig(data, &cfg); err != nil {
		return nil, err
	}

	config = &cfg

	return &cfg, nil
}

func readFromDir(path string, data []byte) ([]byte, error) {
	err := filepath.WalkDir(path, func(filePath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == filePath {
			return nil
		}

		if !strings.HasSuffix(filePath, ".yml") && !strings.HasSuffix(filePath, ".yaml") {
			return nil
		}

		isRegular, err := isRegularFile(filePath)
		if err != nil {
			return err
		}

		if !isRegular {
			return nil
		}

		fileData, err := os.ReadFile(filePath)
		if err != nil {
			return err
		}

		data = append(data, []byte("\n")...)
		data = append(data, fileData...)

		return nil
	})

	return data, err
}

func isRegularFile(path string) (bool, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	return stat.Mode()&os.ModeType == 0, nil
}

func unmarshalConfig(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("wrong file structure: %w", err)
	}

	if _, _, err := net.ParseCIDR(cfg.Mapping.IPv4Subnet); err != nil {
		return fmt.Errorf("invalid mapping.ipv4Subnet '%s': %w", cfg.Mapping.IPv4Subnet, err)
	}

	return nil
}

// GetConfig returns the current config
func GetConfig() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()

	return config
}

// ConvertPort converts string representation into a valid port (0 - 65535)
func ConvertPort(in string) (uint16, error) {
	const (
		base    = 10
		bitSize = 16
	)

	p, err := strconv.ParseUint(strings.TrimSpace(in), base, bitSize)
	if err != nil {
		return 0, err
	}

	return uint16(p), nil
}
