package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the pocket-tv server.
// It covers the HTTP listener, the spoofed-identity upstream client, the
// channel list importer, the broken-channel store, and the transcoder.
type Config struct {
	ListenAddr          string        `json:"listenAddr"`          // Address the HTTP server binds to
	UserAgent           string        `json:"userAgent"`           // Spoofed User-Agent for every upstream request
	FetchTimeout        time.Duration `json:"fetchTimeout"`        // Per-hop timeout for upstream fetches
	CheckTimeout        time.Duration `json:"checkTimeout"`        // Hard deadline for the reachability check route
	ProbeTimeout        time.Duration `json:"probeTimeout"`        // Hard deadline for the audio-track probe
	MaxRedirects        int           `json:"maxRedirects"`        // Redirect chain depth limit for upstream fetches
	RequestsPerHost     int           `json:"requestsPerHost"`     // Outbound rate limit per origin host (req/sec)
	BufferSizeKB        int64         `json:"bufferSizeKB"`        // Chunk size for relayed stream copies
	WorkerThreads       int           `json:"workerThreads"`       // Worker pool size for background imports
	Debug               bool          `json:"debug"`               // Enable debug logging
	ObfuscateUrls       bool          `json:"obfuscateUrls"`       // Obfuscate stream URLs in logs
	ChannelListBase     string        `json:"channelListBase"`     // Base URL of the per-country channel list host
	PrefetchCountries   []string      `json:"prefetchCountries"`   // Country codes to import in the background
	ListRefreshInterval time.Duration `json:"listRefreshInterval"` // Interval between background list refreshes
	CheckCacheDuration  time.Duration `json:"checkCacheDuration"`  // TTL for cached reachability verdicts
	BrokenDBPath        string        `json:"brokenDBPath"`        // SQLite file backing the broken-channel set
	FFmpegPath          string        `json:"ffmpegPath"`          // Encoder binary; empty disables transcoding
	FFprobePath         string        `json:"ffprobePath"`         // Probe binary; empty disables the probe route
	Transcode           Transcode     `json:"transcode"`           // Encoding policy for the transcode fallback
}

// Transcode holds the encoding policy applied to every transcode session.
// Video is capped to MaxHeight and encoded low-latency; audio is normalized
// to stereo AAC at a fixed sample rate.
type Transcode struct {
	MaxHeight    int    `json:"maxHeight"`    // Maximum output frame height (width follows aspect)
	Preset       string `json:"preset"`       // x264 preset
	VideoBitrate string `json:"videoBitrate"` // Target video bitrate
	VideoMaxRate string `json:"videoMaxRate"` // Maximum video bitrate
	VideoBufSize string `json:"videoBufSize"` // Rate-control buffer size
	AudioBitrate string `json:"audioBitrate"` // AAC bitrate
	AudioRate    int    `json:"audioRate"`    // Audio sample rate in Hz
}

// ConfigFile mirrors Config for JSON unmarshaling; duration fields are
// strings (e.g. "8s") parsed into time.Duration values.
type ConfigFile struct {
	ListenAddr          string    `json:"listenAddr"`
	UserAgent           string    `json:"userAgent"`
	FetchTimeout        string    `json:"fetchTimeout"`
	CheckTimeout        string    `json:"checkTimeout"`
	ProbeTimeout        string    `json:"probeTimeout"`
	MaxRedirects        int       `json:"maxRedirects"`
	RequestsPerHost     int       `json:"requestsPerHost"`
	BufferSizeKB        int64     `json:"bufferSizeKB"`
	WorkerThreads       int       `json:"workerThreads"`
	Debug               bool      `json:"debug"`
	ObfuscateUrls       bool      `json:"obfuscateUrls"`
	ChannelListBase     string    `json:"channelListBase"`
	PrefetchCountries   []string  `json:"prefetchCountries"`
	ListRefreshInterval string    `json:"listRefreshInterval"`
	CheckCacheDuration  string    `json:"checkCacheDuration"`
	BrokenDBPath        string    `json:"brokenDBPath"`
	FFmpegPath          *string   `json:"ffmpegPath"`
	FFprobePath         *string   `json:"ffprobePath"`
	Transcode           Transcode `json:"transcode"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultPath is where LoadConfig looks when no explicit path is given.
const DefaultPath = "/settings/pocket-tv.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from the given path (DefaultPath if empty).
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	if path == "" {
		path = DefaultPath
	}

	config, err := loadFromFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	return config
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:        cf.ListenAddr,
		UserAgent:         cf.UserAgent,
		MaxRedirects:      cf.MaxRedirects,
		RequestsPerHost:   cf.RequestsPerHost,
		BufferSizeKB:      cf.BufferSizeKB,
		WorkerThreads:     cf.WorkerThreads,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		ChannelListBase:   cf.ChannelListBase,
		PrefetchCountries: cf.PrefetchCountries,
		BrokenDBPath:      cf.BrokenDBPath,
		FFmpegPath:        "ffmpeg",
		FFprobePath:       "ffprobe",
		Transcode:         cf.Transcode,
	}

	// an explicit empty path disables the binary; only an absent key
	// falls back to the default
	if cf.FFmpegPath != nil {
		config.FFmpegPath = *cf.FFmpegPath
	}
	if cf.FFprobePath != nil {
		config.FFprobePath = *cf.FFprobePath
	}

	// Parse duration fields
	durations := []struct {
		dst  *time.Duration
		src  string
		name string
	}{
		{&config.FetchTimeout, cf.FetchTimeout, "fetchTimeout"},
		{&config.CheckTimeout, cf.CheckTimeout, "checkTimeout"},
		{&config.ProbeTimeout, cf.ProbeTimeout, "probeTimeout"},
		{&config.ListRefreshInterval, cf.ListRefreshInterval, "listRefreshInterval"},
		{&config.CheckCacheDuration, cf.CheckCacheDuration, "checkCacheDuration"},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.20 LibVLC/3.0.20"
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 8 * time.Second
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 2500 * time.Millisecond
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 6 * time.Second
	}
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = 5
	}
	if config.RequestsPerHost <= 0 {
		config.RequestsPerHost = 10
	}
	if config.BufferSizeKB <= 0 {
		config.BufferSizeKB = 64
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.ChannelListBase == "" {
		config.ChannelListBase = "https://iptv-org.github.io/iptv"
	}
	if config.ListRefreshInterval <= 0 {
		config.ListRefreshInterval = 12 * time.Hour
	}
	if config.CheckCacheDuration <= 0 {
		config.CheckCacheDuration = 30 * time.Second
	}
	if config.BrokenDBPath == "" {
		config.BrokenDBPath = "/settings/pocket-tv.db"
	}

	t := &config.Transcode
	if t.MaxHeight <= 0 {
		t.MaxHeight = 720
	}
	if t.Preset == "" {
		t.Preset = "ultrafast"
	}
	if t.VideoBitrate == "" {
		t.VideoBitrate = "2000k"
	}
	if t.VideoMaxRate == "" {
		t.VideoMaxRate = "2500k"
	}
	if t.VideoBufSize == "" {
		t.VideoBufSize = "5000k"
	}
	if t.AudioBitrate == "" {
		t.AudioBitrate = "128k"
	}
	if t.AudioRate <= 0 {
		t.AudioRate = 44100
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	ffmpeg := "ffmpeg"
	ffprobe := "ffprobe"
	example := ConfigFile{
		ListenAddr:          ":8080",
		UserAgent:           "VLC/3.0.20 LibVLC/3.0.20",
		FetchTimeout:        "8s",
		CheckTimeout:        "2500ms",
		ProbeTimeout:        "6s",
		MaxRedirects:        5,
		RequestsPerHost:     10,
		BufferSizeKB:        64,
		WorkerThreads:       4,
		Debug:               false,
		ObfuscateUrls:       true,
		ChannelListBase:     "https://iptv-org.github.io/iptv",
		PrefetchCountries:   []string{"in", "us", "gb"},
		ListRefreshInterval: "12h",
		CheckCacheDuration:  "30s",
		BrokenDBPath:        "/settings/pocket-tv.db",
		FFmpegPath:          &ffmpeg,
		FFprobePath:         &ffprobe,
		Transcode: Transcode{
			MaxHeight:    720,
			Preset:       "ultrafast",
			VideoBitrate: "2000k",
			VideoMaxRate: "2500k",
			VideoBufSize: "5000k",
			AudioBitrate: "128k",
			AudioRate:    44100,
		},
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}
