// Package config loads the gateway's ini configuration file into a single
// typed Config value instead of ad-hoc Get calls sprinkled through main.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ini "github.com/vaughan0/go-ini"

	"github.com/warthog618/smsgw/internal/crypto"
	"github.com/warthog618/smsgw/internal/driver"
	"github.com/warthog618/smsgw/internal/webhook"
)

// Config is the fully-resolved, typed configuration for a single gateway
// instance: one ini file, one modem, one set of webhook endpoints.
type Config struct {
	ServerHost string
	ServerPort string

	DBPath        string
	EncryptionKey []byte // crypto.KeySize bytes, decoded from hex

	BearerToken string // empty disables authorization (spec §6)

	Driver driver.Config

	EventBusQueueDepth int
	Webhooks           []webhook.Endpoint
}

// Load reads and validates the ini file at path.
func Load(path string) (Config, error) {
	file, err := ini.LoadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	var c Config
	var ok bool

	if c.ServerHost, ok = file.Get("SETTINGS", "SERVERHOST"); !ok {
		return Config{}, fmt.Errorf("config: [SETTINGS] SERVERHOST is required")
	}
	if c.ServerPort, ok = file.Get("SETTINGS", "SERVERPORT"); !ok {
		return Config{}, fmt.Errorf("config: [SETTINGS] SERVERPORT is required")
	}
	if c.DBPath, ok = file.Get("SETTINGS", "DBPATH"); !ok {
		c.DBPath = "db.sqlite"
	}
	c.BearerToken, _ = file.Get("SETTINGS", "BEARERTOKEN")

	keyHex, ok := file.Get("SETTINGS", "ENCRYPTIONKEY")
	if !ok {
		return Config{}, fmt.Errorf("config: [SETTINGS] ENCRYPTIONKEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return Config{}, fmt.Errorf("config: ENCRYPTIONKEY is not valid hex: %w", err)
	}
	if len(key) != crypto.KeySize {
		return Config{}, fmt.Errorf("config: ENCRYPTIONKEY must decode to %d bytes, got %d", crypto.KeySize, len(key))
	}
	c.EncryptionKey = key

	c.EventBusQueueDepth = getInt(file, "SETTINGS", "EVENTBUSQUEUEDEPTH", 0)

	c.Driver, err = loadDriverConfig(file)
	if err != nil {
		return Config{}, err
	}

	c.Webhooks, err = loadWebhooks(file)
	if err != nil {
		return Config{}, err
	}

	return c, nil
}

func loadDriverConfig(file ini.File) (driver.Config, error) {
	port, ok := file.Get("DEVICE0", "COMPORT")
	if !ok {
		return driver.Config{}, fmt.Errorf("config: [DEVICE0] COMPORT is required")
	}
	baud := getInt(file, "DEVICE0", "BAUDRATE", 115200)

	cfg := driver.Config{
		ComPort:          port,
		BaudRate:         baud,
		QueueDepth:       getInt(file, "DEVICE0", "QUEUEDEPTH", 0),
		CommandTimeout:   getDuration(file, "DEVICE0", "COMMANDTIMEOUT", 0),
		SendTimeout:      getDuration(file, "DEVICE0", "SENDTIMEOUT", 0),
		ReconnectMin:     getDuration(file, "DEVICE0", "RECONNECTMIN", 0),
		ReconnectMax:     getDuration(file, "DEVICE0", "RECONNECTMAX", 0),
		GnssPollInterval: getDuration(file, "DEVICE0", "GNSSPOLLINTERVAL", 0),
	}
	if cnmi, ok := file.Get("DEVICE0", "CNMI"); ok {
		cfg.CNMI = cnmi
	}
	return cfg, nil
}

// loadWebhooks reads one [WEBHOOK<n>] section per configured endpoint,
// stopping at the first gap in the numbering sequence.
func loadWebhooks(file ini.File) ([]webhook.Endpoint, error) {
	var endpoints []webhook.Endpoint
	for i := 0; ; i++ {
		section := fmt.Sprintf("WEBHOOK%d", i)
		url, ok := file.Get(section, "URL")
		if !ok {
			break
		}
		ep := webhook.Endpoint{
			URL:     url,
			Backlog: getInt(file, section, "BACKLOG", 0),
		}
		ep.Secret, _ = file.Get(section, "SECRET")
		if caPath, ok := file.Get(section, "ROOTCAFILE"); ok {
			pem, err := os.ReadFile(caPath)
			if err != nil {
				return nil, fmt.Errorf("config: read %s ROOTCAFILE: %w", section, err)
			}
			ep.RootCAs = pem
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func getInt(file ini.File, section, key string, def int) int {
	v, ok := file.Get(section, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getDuration(file ini.File, section, key string, def time.Duration) time.Duration {
	v, ok := file.Get(section, key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}
