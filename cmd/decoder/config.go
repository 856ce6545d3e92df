package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relaygrid/castguard-decoder/internal/flash"
	"github.com/relaygrid/castguard-decoder/internal/integrity"
)

type appConfig struct {
	serialDev    string
	baud         int
	serialReadTO time.Duration
	logFormat    string
	logLevel     string
	metricsAddr  string

	flashBase     uint32
	flashFile     string
	keyFile       string
	signingKey    string
	emergencyFile string
	bootImageAddr uint32

	channels []uint32

	// decoderID is carried for compatibility with the original firmware's
	// build-time DECODER_ID; it is no longer used cryptographically (see
	// spec §6) and exists only to round-trip through config/logging.
	decoderID int

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	// flash-base and boot-image-addr are offsets into the backing file used
	// by flash.FileController, not absolute MCU addresses: the boot image
	// occupies the first page, the subscription region starts at the next
	// page boundary.
	flashBase := flag.Uint("flash-base", flash.PageSize, "Backing-file offset of the subscription region (slot 1 starts here)")
	flashFile := flag.String("flash-file", "flash.bin", "Backing file standing in for the flash region on a host bench build")
	keyFile := flag.String("key-file", "keys.bin", "Path to the per-channel AES key/IV blob")
	signingKey := flag.String("signing-key", "verify.pub", "Path to the compiled Ed25519 verifying key")
	emergencyFile := flag.String("emergency-file", "emergency.bin", "Path to the compiled-in emergency subscription record")
	bootImageAddr := flag.Uint("boot-image-addr", 0, "Backing-file offset of the preceding boot stage checked by the boot hash gate")
	channels := flag.String("channels", "", "Comma-separated list of configured channel IDs (channel 0 is implicit)")
	decoderID := flag.Int("decoder-id", 0, "Decoder identifier, preserved for compatibility; not used cryptographically")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement for bench discovery")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default castguard-decoder-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.flashBase = uint32(*flashBase)
	cfg.flashFile = *flashFile
	cfg.keyFile = *keyFile
	cfg.signingKey = *signingKey
	cfg.emergencyFile = *emergencyFile
	cfg.bootImageAddr = uint32(*bootImageAddr)
	cfg.decoderID = *decoderID
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	chanList, err := parseChannels(*channels)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	cfg.channels = chanList

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// parseChannels parses a comma-separated decimal channel list; the caller
// never needs to include channel 0, which the channel table inserts itself.
func parseChannels(raw string) ([]uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid channel id %q: %w", p, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or files – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if len(c.channels) > 8 {
		return fmt.Errorf("at most 8 configured channels are supported, got %d", len(c.channels))
	}
	if c.flashBase < c.bootImageAddr+integrity.BootImageSize {
		return fmt.Errorf("flash-base (%d) overlaps the boot image region ending at %d", c.flashBase, c.bootImageAddr+integrity.BootImageSize)
	}
	return nil
}

// applyEnvOverrides maps CASTGUARD_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing
// is lax: empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CASTGUARD_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CASTGUARD_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CASTGUARD_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CASTGUARD_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CASTGUARD_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CASTGUARD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CASTGUARD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CASTGUARD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["flash-base"]; !ok {
		if v, ok := get("CASTGUARD_FLASH_BASE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 32); err == nil {
				c.flashBase = uint32(n)
			} else {
				firstErr = firstErrOr(firstErr, fmt.Errorf("invalid CASTGUARD_FLASH_BASE: %w", err))
			}
		}
	}
	if _, ok := set["flash-file"]; !ok {
		if v, ok := get("CASTGUARD_FLASH_FILE"); ok && v != "" {
			c.flashFile = v
		}
	}
	if _, ok := set["key-file"]; !ok {
		if v, ok := get("CASTGUARD_KEY_FILE"); ok && v != "" {
			c.keyFile = v
		}
	}
	if _, ok := set["signing-key"]; !ok {
		if v, ok := get("CASTGUARD_SIGNING_KEY"); ok && v != "" {
			c.signingKey = v
		}
	}
	if _, ok := set["emergency-file"]; !ok {
		if v, ok := get("CASTGUARD_EMERGENCY_FILE"); ok && v != "" {
			c.emergencyFile = v
		}
	}
	if _, ok := set["boot-image-addr"]; !ok {
		if v, ok := get("CASTGUARD_BOOT_IMAGE_ADDR"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 32); err == nil {
				c.bootImageAddr = uint32(n)
			} else {
				firstErr = firstErrOr(firstErr, fmt.Errorf("invalid CASTGUARD_BOOT_IMAGE_ADDR: %w", err))
			}
		}
	}
	if _, ok := set["channels"]; !ok {
		if v, ok := get("CASTGUARD_CHANNELS"); ok && v != "" {
			chans, err := parseChannels(v)
			if err != nil {
				firstErr = firstErrOr(firstErr, fmt.Errorf("invalid CASTGUARD_CHANNELS: %w", err))
			} else {
				c.channels = chans
			}
		}
	}
	if _, ok := set["decoder-id"]; !ok {
		if v, ok := get("DECODER_ID"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.decoderID = n
			} else {
				firstErr = firstErrOr(firstErr, fmt.Errorf("invalid DECODER_ID: %w", err))
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CASTGUARD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CASTGUARD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func firstErrOr(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}
