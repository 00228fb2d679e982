// Package domain contains the core business entities and interfaces.
// These are transport-agnostic and represent the core concepts of the system.
package domain

import (
	"time"
)

// DeviceStatus represents the current operational status of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusError   DeviceStatus = "error"
)

// TransportKind selects the bus used to reach the device.
type TransportKind string

const (
	TransportModbusTCP TransportKind = "modbus_tcp"
	TransportModbusRTU TransportKind = "modbus_rtu"
)

// Device identifies the bridged field device and how to reach it.
type Device struct {
	// ID is the unique identifier used in topics and metrics labels
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`

	// SerialNumber overrides the value read from the device when set
	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`

	// Protocol is the descriptor name used to decode the device's registers
	Protocol string `json:"protocol" yaml:"protocol"`

	Transport  TransportKind    `json:"transport" yaml:"transport"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// BaseTopic is the MQTT topic prefix for this device
	BaseTopic string `json:"base_topic" yaml:"base_topic"`
}

// ConnectionConfig holds transport-specific connection parameters.
type ConnectionConfig struct {
	// Host is the IP address or hostname of a Modbus TCP device
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// Timeout bounds a single bus transaction
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	IdleTimeout time.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`

	// SlaveID is the Modbus slave/unit ID (1-247)
	SlaveID uint8 `json:"slave_id,omitempty" yaml:"slave_id,omitempty"`

	// SerialPort is the serial port path for RTU connections (e.g., "/dev/ttyUSB0")
	SerialPort string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits   int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`

	// Parity is "N", "E" or "O"
	Parity   string `json:"parity,omitempty" yaml:"parity,omitempty"`
	StopBits int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
}

// Validate performs validation on the device configuration.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if d.Protocol == "" {
		return ErrProtocolRequired
	}
	if d.BaseTopic == "" {
		return ErrBaseTopicRequired
	}
	switch d.Transport {
	case TransportModbusTCP:
		if d.Connection.Host == "" {
			return ErrTransportRequired
		}
	case TransportModbusRTU:
		if d.Connection.SerialPort == "" {
			return ErrTransportRequired
		}
	default:
		return ErrUnknownTransport
	}
	if d.Connection.SlaveID > 247 {
		return ErrInvalidSlaveID
	}
	return nil
}

// GetAddress returns the full address string for this device.
func (d *Device) GetAddress() string {
	if d.Connection.Host != "" {
		return d.Connection.Host
	}
	return d.Connection.SerialPort
}
