package config

import (
	"fmt"
	"time"
)

// HubConfig configures the aggregation hub: UDP ingest, the proximity
// model, retention, and the HTTP surface.
type HubConfig struct {
	// Listeners.
	UDPAddr  *string `json:"udp_addr,omitempty"`
	HTTPAddr *string `json:"http_addr,omitempty"`

	// Proximity model. Distances at or inside near map to 1.0, the value
	// falls linearly to 0 at far, and anything at or beyond cutoff is 0.
	NearDistanceMeters   *float64 `json:"near_distance_m,omitempty"`
	FarDistanceMeters    *float64 `json:"far_distance_m,omitempty"`
	CutoffDistanceMeters *float64 `json:"cutoff_distance_m,omitempty"`

	// QualityThreshold gates which measurements update pair state.
	QualityThreshold *float64 `json:"quality_threshold,omitempty"`

	// StaleAfter marks pairs with no fresh measurement as stale in
	// snapshots. They are flagged, never deleted.
	StaleAfter *string `json:"stale_after,omitempty"`

	// SnapshotInterval is the broadcast cadence for connected viewers.
	SnapshotInterval *string `json:"snapshot_interval,omitempty"`

	// Packet dedup across the UDP retry behaviour of the senders.
	DeduplicatePackets *bool   `json:"deduplicate_packets,omitempty"`
	DedupWindow        *string `json:"dedup_window,omitempty"`

	// Storage.
	DBPath        *string `json:"db_path,omitempty"`
	CSVExportPath *string `json:"csv_export_path,omitempty"`
}

// LoadHubConfig reads and validates a hub config file.
func LoadHubConfig(path string) (*HubConfig, error) {
	cfg := &HubConfig{}
	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *HubConfig) Validate() error {
	if c.QualityThreshold != nil {
		if *c.QualityThreshold < 0 || *c.QualityThreshold > 1 {
			return fmt.Errorf("quality_threshold must be between 0 and 1, got %f", *c.QualityThreshold)
		}
	}
	near, far, cutoff := c.GetNearDistanceMeters(), c.GetFarDistanceMeters(), c.GetCutoffDistanceMeters()
	if near < 0 {
		return fmt.Errorf("near_distance_m must be non-negative, got %f", near)
	}
	if far <= near {
		return fmt.Errorf("far_distance_m (%f) must exceed near_distance_m (%f)", far, near)
	}
	if cutoff < far {
		return fmt.Errorf("cutoff_distance_m (%f) must be at least far_distance_m (%f)", cutoff, far)
	}
	for name, v := range map[string]*string{
		"stale_after":       c.StaleAfter,
		"snapshot_interval": c.SnapshotInterval,
		"dedup_window":      c.DedupWindow,
	} {
		if err := validDuration(name, v); err != nil {
			return err
		}
	}
	return nil
}

// GetUDPAddr returns the UDP ingest listen address.
func (c *HubConfig) GetUDPAddr() string {
	if c.UDPAddr == nil || *c.UDPAddr == "" {
		return ":9999"
	}
	return *c.UDPAddr
}

// GetHTTPAddr returns the HTTP listen address.
func (c *HubConfig) GetHTTPAddr() string {
	if c.HTTPAddr == nil || *c.HTTPAddr == "" {
		return ":8000"
	}
	return *c.HTTPAddr
}

// GetNearDistanceMeters returns the full-proximity distance.
func (c *HubConfig) GetNearDistanceMeters() float64 {
	if c.NearDistanceMeters == nil {
		return 1.5
	}
	return *c.NearDistanceMeters
}

// GetFarDistanceMeters returns the zero-proximity distance.
func (c *HubConfig) GetFarDistanceMeters() float64 {
	if c.FarDistanceMeters == nil {
		return 4.0
	}
	return *c.FarDistanceMeters
}

// GetCutoffDistanceMeters returns the hard cutoff distance.
func (c *HubConfig) GetCutoffDistanceMeters() float64 {
	if c.CutoffDistanceMeters == nil {
		return 5.0
	}
	return *c.CutoffDistanceMeters
}

// GetQualityThreshold returns the minimum quality that updates state.
func (c *HubConfig) GetQualityThreshold() float64 {
	if c.QualityThreshold == nil {
		return 0.5
	}
	return *c.QualityThreshold
}

// GetStaleAfter returns the silence window after which a pair is stale.
func (c *HubConfig) GetStaleAfter() time.Duration {
	return duration(c.StaleAfter, 30*time.Second)
}

// GetSnapshotInterval returns the viewer broadcast cadence.
func (c *HubConfig) GetSnapshotInterval() time.Duration {
	return duration(c.SnapshotInterval, 500*time.Millisecond)
}

// GetDeduplicatePackets reports whether UDP dedup is enabled.
func (c *HubConfig) GetDeduplicatePackets() bool {
	if c.DeduplicatePackets == nil {
		return true
	}
	return *c.DeduplicatePackets
}

// GetDedupWindow returns the duplicate suppression window.
func (c *HubConfig) GetDedupWindow() time.Duration {
	return duration(c.DedupWindow, time.Second)
}

// GetDBPath returns the sqlite database path.
func (c *HubConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "proximity.db"
	}
	return *c.DBPath
}

// GetCSVExportPath returns where CSV exports are written.
func (c *HubConfig) GetCSVExportPath() string {
	if c.CSVExportPath == nil || *c.CSVExportPath == "" {
		return "export/measurements.csv"
	}
	return *c.CSVExportPath
}
