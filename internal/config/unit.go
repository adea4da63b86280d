// Package config holds the JSON configuration for ranging units and the
// hub. Fields are pointers so a partial config file only overrides what
// it names; Get* accessors supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxConfigFileSize bounds config files read from disk.
const maxConfigFileSize = 1 * 1024 * 1024

// UnitConfig is the per-device configuration for one ranging unit.
type UnitConfig struct {
	// UnitID is the single-character identity of this device.
	UnitID *string `json:"unit_id,omitempty"`
	// Roster lists every identity in the deployment, this unit included.
	Roster *string `json:"roster,omitempty"`

	SlotDuration *string `json:"slot_duration,omitempty"` // duration string like "500ms"

	// Calibration, derived externally by the two-point procedure.
	AntennaDelayTicks    *int64   `json:"antenna_delay_ticks,omitempty"`
	DistanceOffsetMeters *float64 `json:"distance_offset_m,omitempty"`

	// Radio link.
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`

	// Hub transport.
	HubAddr           *string `json:"hub_addr,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`

	// QualityThreshold gates which measurements are worth sending.
	QualityThreshold *float64 `json:"quality_threshold,omitempty"`

	ResponseTimeout *string `json:"response_timeout,omitempty"`
	ReportTimeout   *string `json:"report_timeout,omitempty"`
	FinalTimeout    *string `json:"final_timeout,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadUnitConfig reads and validates a unit config file.
func LoadUnitConfig(path string) (*UnitConfig, error) {
	cfg := &UnitConfig{}
	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadJSON(path string, into any) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

func validDuration(name string, v *string) error {
	if v != nil && *v != "" {
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *UnitConfig) Validate() error {
	if c.UnitID != nil && len(*c.UnitID) != 1 {
		return fmt.Errorf("unit_id must be a single character, got %q", *c.UnitID)
	}
	if c.Roster != nil && len(*c.Roster) < 2 {
		return fmt.Errorf("roster needs at least two identities, got %q", *c.Roster)
	}
	if c.QualityThreshold != nil {
		if *c.QualityThreshold < 0 || *c.QualityThreshold > 1 {
			return fmt.Errorf("quality_threshold must be between 0 and 1, got %f", *c.QualityThreshold)
		}
	}
	for name, v := range map[string]*string{
		"slot_duration":      c.SlotDuration,
		"heartbeat_interval": c.HeartbeatInterval,
		"response_timeout":   c.ResponseTimeout,
		"report_timeout":     c.ReportTimeout,
		"final_timeout":      c.FinalTimeout,
	} {
		if err := validDuration(name, v); err != nil {
			return err
		}
	}
	return nil
}

// GetUnitID returns the configured identity or "A".
func (c *UnitConfig) GetUnitID() string {
	if c.UnitID == nil || *c.UnitID == "" {
		return "A"
	}
	return *c.UnitID
}

// GetRoster returns the deployment roster as a string of identities.
func (c *UnitConfig) GetRoster() string {
	if c.Roster == nil || *c.Roster == "" {
		return "AB"
	}
	return *c.Roster
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSlotDuration returns the slot length for the ranging schedule.
func (c *UnitConfig) GetSlotDuration() time.Duration {
	return duration(c.SlotDuration, 500*time.Millisecond)
}

// GetAntennaDelayTicks returns the tick-domain calibration constant.
func (c *UnitConfig) GetAntennaDelayTicks() int64 {
	if c.AntennaDelayTicks == nil {
		return 0
	}
	return *c.AntennaDelayTicks
}

// GetDistanceOffsetMeters returns the two-point fit residual.
func (c *UnitConfig) GetDistanceOffsetMeters() float64 {
	if c.DistanceOffsetMeters == nil {
		return 0
	}
	return *c.DistanceOffsetMeters
}

// GetSerialPort returns the modem device path.
func (c *UnitConfig) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the modem line speed.
func (c *UnitConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetHubAddr returns the hub's UDP ingest address.
func (c *UnitConfig) GetHubAddr() string {
	if c.HubAddr == nil || *c.HubAddr == "" {
		return "127.0.0.1:9999"
	}
	return *c.HubAddr
}

// GetHeartbeatInterval returns the liveness beacon period.
func (c *UnitConfig) GetHeartbeatInterval() time.Duration {
	return duration(c.HeartbeatInterval, 10*time.Second)
}

// GetQualityThreshold returns the minimum quality worth reporting.
func (c *UnitConfig) GetQualityThreshold() float64 {
	if c.QualityThreshold == nil {
		return 0.5
	}
	return *c.QualityThreshold
}

// GetResponseTimeout returns the initiator's wait for a Response frame.
func (c *UnitConfig) GetResponseTimeout() time.Duration {
	return duration(c.ResponseTimeout, 50*time.Millisecond)
}

// GetReportTimeout returns the initiator's wait for a Report frame.
func (c *UnitConfig) GetReportTimeout() time.Duration {
	return duration(c.ReportTimeout, 50*time.Millisecond)
}

// GetFinalTimeout returns the responder's wait for a Final frame.
func (c *UnitConfig) GetFinalTimeout() time.Duration {
	return duration(c.FinalTimeout, 100*time.Millisecond)
}
