// Package config loads service settings from an ini file.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Settings holds the full configuration surface of the service
type Settings struct {
	ListenAddr      string
	CallbackBaseURL string
	SharedSecret    string
	AudioDir        string

	TargetParticipant string
	AcceptedRoutes    []string
	AudioFileURI      string
	PauseOnStart      bool
	HangupWhenDone    bool

	ProviderEndpoint  string
	ProviderAccessKey string

	TelemetryIngestURL string
	TelemetryEnv       string
	TelemetryRegion    string

	RecordingsDir string

	LogLevel     string
	LogFile      string
	LogMaxSizeMB int
}

// Load reads and validates settings from the ini file at path
func Load(path string) (*Settings, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return Parse(cfg)
}

// Parse extracts settings from an already-loaded ini file
func Parse(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("server")
	s.ListenAddr = sec.Key("listen_addr").MustString(":8080")
	s.CallbackBaseURL = sec.Key("callback_base_url").String()
	s.SharedSecret = sec.Key("shared_secret").String()
	s.AudioDir = sec.Key("audio_dir").MustString("audio")

	sec = cfg.Section("call")
	s.TargetParticipant = sec.Key("target_participant").String()
	routes := sec.Key("accepted_routes").MustString("*")
	for _, r := range strings.Split(routes, ",") {
		if r = strings.TrimSpace(r); r != "" {
			s.AcceptedRoutes = append(s.AcceptedRoutes, r)
		}
	}
	s.AudioFileURI = sec.Key("audio_file_uri").String()
	s.PauseOnStart = sec.Key("pause_on_start").MustBool(false)
	s.HangupWhenDone = sec.Key("hangup_after").MustBool(false)

	sec = cfg.Section("provider")
	s.ProviderEndpoint = sec.Key("endpoint").String()
	s.ProviderAccessKey = sec.Key("access_key").String()

	sec = cfg.Section("telemetry")
	s.TelemetryIngestURL = sec.Key("ingest_url").String()
	s.TelemetryEnv = sec.Key("env").MustString("Prod")
	s.TelemetryRegion = sec.Key("region").MustString("USWest")

	sec = cfg.Section("storage")
	s.RecordingsDir = sec.Key("recordings_dir").MustString("recordings")

	sec = cfg.Section("logging")
	s.LogLevel = sec.Key("level").MustString("info")
	s.LogFile = sec.Key("file").MustString("callrouter.log")
	s.LogMaxSizeMB = sec.Key("max_size_mb").MustInt(100)

	if s.CallbackBaseURL == "" {
		return nil, fmt.Errorf("server.callback_base_url must be set")
	}
	if s.ProviderEndpoint == "" {
		return nil, fmt.Errorf("provider.endpoint must be set")
	}
	if s.TargetParticipant == "" {
		return nil, fmt.Errorf("call.target_participant must be set")
	}

	return s, nil
}
