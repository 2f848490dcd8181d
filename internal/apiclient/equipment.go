package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// EquipmentStatus is the operational state of a device.
type EquipmentStatus string

const (
	StatusOperational  EquipmentStatus = "operational"
	StatusMaintenance  EquipmentStatus = "maintenance"
	StatusOutOfService EquipmentStatus = "out_of_service"
	StatusRetired      EquipmentStatus = "retired"
)

// Valid reports whether s is a known status.
func (s EquipmentStatus) Valid() bool {
	switch s {
	case StatusOperational, StatusMaintenance, StatusOutOfService, StatusRetired:
		return true
	}
	return false
}

// Equipment is a biomedical device tracked by the backend.
type Equipment struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Model        string          `json:"model,omitempty"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	SerialNumber string          `json:"serial_number"`
	Department   string          `json:"department,omitempty"`
	Status       EquipmentStatus `json:"status"`
	LastServiced *time.Time      `json:"last_serviced,omitempty"`
}

// ListOptions filters [Client.ListEquipment]. Empty fields do not filter.
type ListOptions struct {
	Department string
	Status     EquipmentStatus
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Department != "" {
		v.Set("department", o.Department)
	}
	if o.Status != "" {
		v.Set("status", string(o.Status))
	}
	return v
}

// MaintenanceKind is the kind of a maintenance job.
type MaintenanceKind string

const (
	MaintenancePreventive  MaintenanceKind = "preventive"
	MaintenanceCorrective  MaintenanceKind = "corrective"
	MaintenanceCalibration MaintenanceKind = "calibration"
)

// MaintenanceRequest asks the backend to schedule a maintenance job.
type MaintenanceRequest struct {
	EquipmentID  string          `json:"equipment_id"`
	Kind         MaintenanceKind `json:"kind"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Technician   string          `json:"technician,omitempty"`
	Notes        string          `json:"notes,omitempty"`
}

// MaintenanceRecord is a scheduled maintenance job.
type MaintenanceRecord struct {
	ID string `json:"id"`
	MaintenanceRequest
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ListEquipment returns the devices matching opts.
func (c *Client) ListEquipment(ctx context.Context, opts ListOptions) ([]Equipment, error) {
	var out []Equipment
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/equipment", query: opts.values()}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetEquipment returns the device with the given id.
func (c *Client) GetEquipment(ctx context.Context, id string) (Equipment, error) {
	var out Equipment
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/equipment/" + url.PathEscape(id)}, &out)
	return out, err
}

// UpdateStatus sets the operational status of a device and returns the
// updated record.
func (c *Client) UpdateStatus(ctx context.Context, id string, status EquipmentStatus) (Equipment, error) {
	if !status.Valid() {
		return Equipment{}, c.handler.Process(ctx, errors.New("apiclient: unknown equipment status "+string(status)))
	}
	var out Equipment
	err := c.do(ctx, request{
		method: http.MethodPatch,
		path:   "/api/equipment/" + url.PathEscape(id) + "/status",
		in:     map[string]EquipmentStatus{"status": status},
	}, &out)
	return out, err
}

// ScheduleMaintenance creates a maintenance job. Every attempt of one call
// carries the same Idempotency-Key, so a replica that receives a retried
// request after a lost response does not create a second job.
func (c *Client) ScheduleMaintenance(ctx context.Context, req MaintenanceRequest) (MaintenanceRecord, error) {
	var out MaintenanceRecord
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/maintenance",
		in:     req,
		header: http.Header{"Idempotency-Key": {uuid.NewString()}},
	}, &out)
	return out, err
}
