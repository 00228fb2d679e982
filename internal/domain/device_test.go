package domain_test

import (
	"testing"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

func validDevice() domain.Device {
	return domain.Device{
		ID:        "inverter-1",
		Name:      "Solar Inverter",
		Protocol:  "growatt_v6",
		Transport: domain.TransportModbusTCP,
		Connection: domain.ConnectionConfig{
			Host:    "192.168.1.100",
			Port:    502,
			SlaveID: 1,
		},
		BaseTopic: "home/inverter",
	}
}

func TestDevice_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *domain.Device)
		wantErr error
	}{
		{"valid device", func(d *domain.Device) {}, nil},
		{"missing device ID", func(d *domain.Device) { d.ID = "" }, domain.ErrDeviceIDRequired},
		{"missing protocol", func(d *domain.Device) { d.Protocol = "" }, domain.ErrProtocolRequired},
		{"missing base topic", func(d *domain.Device) { d.BaseTopic = "" }, domain.ErrBaseTopicRequired},
		{"missing host", func(d *domain.Device) { d.Connection.Host = "" }, domain.ErrTransportRequired},
		{
			name: "rtu without serial port",
			mutate: func(d *domain.Device) {
				d.Transport = domain.TransportModbusRTU
			},
			wantErr: domain.ErrTransportRequired,
		},
		{"unknown transport", func(d *domain.Device) { d.Transport = "canbus" }, domain.ErrUnknownTransport},
		{"slave id out of range", func(d *domain.Device) { d.Connection.SlaveID = 250 }, domain.ErrInvalidSlaveID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := validDevice()
			tt.mutate(&device)
			err := device.Validate()
			if err != tt.wantErr {
				t.Errorf("Device.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDevice_GetAddress(t *testing.T) {
	tests := []struct {
		name       string
		connection domain.ConnectionConfig
		want       string
	}{
		{
			name:       "TCP address",
			connection: domain.ConnectionConfig{Host: "192.168.1.100", Port: 502},
			want:       "192.168.1.100",
		},
		{
			name:       "serial port",
			connection: domain.ConnectionConfig{SerialPort: "/dev/ttyUSB0"},
			want:       "/dev/ttyUSB0",
		},
		{
			name:       "prefer host over serial",
			connection: domain.ConnectionConfig{Host: "10.0.0.1", SerialPort: "/dev/ttyUSB0"},
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &domain.Device{Connection: tt.connection}
			if got := device.GetAddress(); got != tt.want {
				t.Errorf("Device.GetAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}
