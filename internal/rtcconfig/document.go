// Package rtcconfig distributes the shared runtime configuration document:
// one live record keyed "rtc" that controls feature toggles, limits and
// quality thresholds for the calling subsystem. The Service provides fetch
// with cache/default fallback and push-based change notification; the
// Manager wraps it into an always-available value plus a change feed.
package rtcconfig

import (
	"path/filepath"
	"reflect"
	"strings"
	"time"
)

// Key is the well-known key of the single live config document.
const Key = "rtc"

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type FileTransfer struct {
	MaxSizeBytes   int64    `json:"max_size_bytes"`
	ChunkSizeBytes int      `json:"chunk_size_bytes"`
	SupportedTypes []string `json:"supported_types"`
}

// QualityThreshold is one network quality tier: minimum bandwidth (kbps),
// maximum latency (ms) and maximum packet loss (percent).
type QualityThreshold struct {
	Bandwidth  float64 `json:"bandwidth"`
	Latency    float64 `json:"latency"`
	PacketLoss float64 `json:"packet_loss"`
}

type NetworkThresholds struct {
	Excellent QualityThreshold `json:"excellent"`
	Good      QualityThreshold `json:"good"`
	Fair      QualityThreshold `json:"fair"`
	Poor      QualityThreshold `json:"poor"`
}

type MediaPreset struct {
	Width        int `json:"width"`
	Height       int `json:"height"`
	FrameRate    int `json:"frame_rate"`
	VideoBitrate int `json:"video_bitrate"` // kbps
	AudioBitrate int `json:"audio_bitrate"` // kbps
}

type CleanupConfig struct {
	SignalRetentionHours   int `json:"signal_retention_hours"`
	CleanupIntervalMinutes int `json:"cleanup_interval_minutes"`
}

type Performance struct {
	MaxConcurrentCalls   int `json:"max_concurrent_calls"`
	MaxGroupSize         int `json:"max_group_size"`
	StatsIntervalSeconds int `json:"stats_interval_seconds"`
}

// Config is the shared runtime configuration document. Feature toggles sit at
// the top level so UpdateConfig patches can address them by field name.
type Config struct {
	ID      string `json:"id,omitempty"`
	Key     string `json:"key"`
	Version int    `json:"version"`

	ICEServers []ICEServer `json:"ice_servers"`

	EnableVoiceCall    bool `json:"enable_voice_call"`
	EnableVideoCall    bool `json:"enable_video_call"`
	EnableGroupCall    bool `json:"enable_group_call"`
	EnableFileTransfer bool `json:"enable_file_transfer"`

	FileTransfer FileTransfer `json:"file_transfer"`

	CallTimeoutSeconds    int `json:"call_timeout_seconds"`
	RequestTimeoutSeconds int `json:"request_timeout_seconds"`

	NetworkThresholds NetworkThresholds      `json:"network_thresholds"`
	MediaPresets      map[string]MediaPreset `json:"media_presets"`

	Cleanup     CleanupConfig `json:"cleanup_config"`
	Performance Performance   `json:"performance"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// QualityLevel is a derived network quality tier.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
)

// Default returns the complete baked-in fallback document, used whenever no
// authoritative value is obtainable. Limits are deliberately conservative.
func Default() *Config {
	return &Config{
		Key:     Key,
		Version: 1,
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		EnableVoiceCall:    true,
		EnableVideoCall:    true,
		EnableGroupCall:    true,
		EnableFileTransfer: true,
		FileTransfer: FileTransfer{
			MaxSizeBytes:   50 << 20, // 50 MiB
			ChunkSizeBytes: 64 << 10,
			SupportedTypes: []string{
				"jpg", "jpeg", "png", "gif", "webp",
				"pdf", "doc", "docx", "xls", "xlsx", "txt",
				"mp3", "mp4", "webm", "zip",
			},
		},
		CallTimeoutSeconds:    45,
		RequestTimeoutSeconds: 15,
		NetworkThresholds: NetworkThresholds{
			Excellent: QualityThreshold{Bandwidth: 2000, Latency: 50, PacketLoss: 0.02},
			Good:      QualityThreshold{Bandwidth: 1000, Latency: 150, PacketLoss: 0.05},
			Fair:      QualityThreshold{Bandwidth: 500, Latency: 300, PacketLoss: 0.1},
			Poor:      QualityThreshold{Bandwidth: 100, Latency: 1000, PacketLoss: 10},
		},
		MediaPresets: map[string]MediaPreset{
			"1080p": {Width: 1920, Height: 1080, FrameRate: 30, VideoBitrate: 2500, AudioBitrate: 64},
			"720p":  {Width: 1280, Height: 720, FrameRate: 30, VideoBitrate: 1200, AudioBitrate: 48},
			"480p":  {Width: 854, Height: 480, FrameRate: 24, VideoBitrate: 600, AudioBitrate: 32},
			"240p":  {Width: 426, Height: 240, FrameRate: 15, VideoBitrate: 250, AudioBitrate: 24},
		},
		Cleanup: CleanupConfig{
			SignalRetentionHours:   24,
			CleanupIntervalMinutes: 60,
		},
		Performance: Performance{
			MaxConcurrentCalls:   4,
			MaxGroupSize:         8,
			StatsIntervalSeconds: 5,
		},
	}
}

// QualityLevelFor evaluates the tiers in descending strictness and returns
// the first whose three conditions all hold; poor is the floor.
func (c *Config) QualityLevelFor(bandwidth, latency, packetLoss float64) QualityLevel {
	tiers := []struct {
		level QualityLevel
		t     QualityThreshold
	}{
		{QualityExcellent, c.NetworkThresholds.Excellent},
		{QualityGood, c.NetworkThresholds.Good},
		{QualityFair, c.NetworkThresholds.Fair},
		{QualityPoor, c.NetworkThresholds.Poor},
	}
	for _, tier := range tiers {
		if bandwidth >= tier.t.Bandwidth && latency <= tier.t.Latency && packetLoss <= tier.t.PacketLoss {
			return tier.level
		}
	}
	return QualityPoor
}

// IsFileTypeSupported matches the file's extension (case-insensitive)
// against the supported type list.
func (c *Config) IsFileTypeSupported(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return false
	}
	for _, t := range c.FileTransfer.SupportedTypes {
		if ext == strings.ToLower(t) {
			return true
		}
	}
	return false
}

func (c *Config) IsFileSizeValid(size int64) bool {
	return size > 0 && size <= c.FileTransfer.MaxSizeBytes
}

// SignalRetention is the expiry window for relayed signals.
func (c *Config) SignalRetention() time.Duration {
	h := c.Cleanup.SignalRetentionHours
	if h <= 0 {
		h = 24
	}
	return time.Duration(h) * time.Hour
}

func (c *Config) CleanupInterval() time.Duration {
	m := c.Cleanup.CleanupIntervalMinutes
	if m <= 0 {
		m = 60
	}
	return time.Duration(m) * time.Minute
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// StunServers returns the stun: URLs from the ICE server list.
func (c *Config) StunServers() []string {
	var out []string
	for _, s := range c.ICEServers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") {
				out = append(out, u)
			}
		}
	}
	return out
}

// Equal reports structural equality, ignoring backend bookkeeping fields.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, b := *c, *other
	a.ID, b.ID = "", ""
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}
