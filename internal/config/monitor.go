package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
	"gopkg.in/yaml.v3"
)

// Channel is one broadcaster to watch. ID is the numeric Twitch user id
// EventSub subscribes with; Login is only used for display.
type Channel struct {
	Login string `yaml:"login"`
	ID    string `yaml:"id"`
}

type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// Monitor is the YAML file driving `vodkeeper monitor`.
type Monitor struct {
	Channels    []Channel     `yaml:"channels"`
	Quality     string        `yaml:"quality,omitempty"`
	Privacy     string        `yaml:"privacy,omitempty"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
	Redis       RedisSettings `yaml:"redis,omitempty"`
}

func ReadMonitorFile(path string) (*Monitor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewError(utils.KindFilesystem, "config/monitor", err)
	}
	return ParseMonitor(data)
}

// ParseMonitor decodes and validates a monitor file. Channels repeated by
// id are kept once.
func ParseMonitor(data []byte) (*Monitor, error) {
	var m Monitor
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, utils.NewError(utils.KindManifestParse, "config/monitor", fmt.Errorf("error parsing YAML file: %w", err))
	}
	seen := make(map[string]bool, len(m.Channels))
	channels := m.Channels[:0]
	for i, ch := range m.Channels {
		ch.ID = strings.TrimSpace(ch.ID)
		if ch.ID == "" {
			return nil, utils.Errorf(utils.KindManifestParse, "config/monitor", "missing id for channel entry %d", i+1)
		}
		if strings.Trim(ch.ID, "0123456789") != "" {
			return nil, utils.Errorf(utils.KindManifestParse, "config/monitor", "channel entry %d: id %q is not a numeric user id", i+1, ch.ID)
		}
		if seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true
		channels = append(channels, ch)
	}
	if len(channels) == 0 {
		return nil, utils.Errorf(utils.KindManifestParse, "config/monitor", "no channels configured")
	}
	m.Channels = channels
	log.Debug().Str("op", "config/monitor").Int("count", len(channels)).Msg("Channels loaded from YAML")
	return &m, nil
}

func (m *Monitor) ChannelIDs() []string {
	ids := make([]string, len(m.Channels))
	for i, ch := range m.Channels {
		ids[i] = ch.ID
	}
	return ids
}
