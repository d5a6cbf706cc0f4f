package models

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/rohanthewiz/serr"

	"syncml/state"
)

const DDLCreateDeviceInfoTable = `
CREATE TABLE IF NOT EXISTS device_info (
    adapter_id        BIGINT PRIMARY KEY,
    dev_id            VARCHAR NOT NULL,
    dev_type          VARCHAR NOT NULL,
    manufacturer      VARCHAR,
    model             VARCHAR,
    oem               VARCHAR,
    firmware_version  VARCHAR,
    software_version  VARCHAR,
    hardware_version  VARCHAR,
    utc               BOOLEAN NOT NULL DEFAULT true,
    large_objects     BOOLEAN NOT NULL DEFAULT true,
    hierarchical_sync BOOLEAN NOT NULL DEFAULT true,
    number_of_changes BOOLEAN NOT NULL DEFAULT true,
    FOREIGN KEY (adapter_id) REFERENCES adapters(id)
);
`

// SaveDeviceInfo stores or replaces the device description for an
// adapter. Replacing is the normal path: peers resend devinfo whenever
// their capabilities change.
func SaveDeviceInfo(adapterID int64, info *state.DeviceInfo) error {
	tx, err := BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM device_info WHERE adapter_id = ?", adapterID); err != nil {
		return serr.Wrap(err, "failed to clear device info", "adapterID", strconv.FormatInt(adapterID, 10))
	}
	_, err = tx.Exec(`
		INSERT INTO device_info (adapter_id, dev_id, dev_type, manufacturer, model,
			oem, firmware_version, software_version, hardware_version,
			utc, large_objects, hierarchical_sync, number_of_changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adapterID, info.DevID, info.DevType, info.Manufacturer, info.Model,
		info.OEM, info.FirmwareVersion, info.SoftwareVersion, info.HardwareVersion,
		info.UTC, info.LargeObjects, info.HierarchicalSync, info.NumberOfChanges)
	if err != nil {
		return serr.Wrap(err, "failed to save device info", "adapterID", strconv.FormatInt(adapterID, 10))
	}
	return tx.Commit()
}

// GetDeviceInfo loads the device description for an adapter, or a
// not-found error when the peer has not sent devinfo yet.
func GetDeviceInfo(adapterID int64) (*state.DeviceInfo, error) {
	info := &state.DeviceInfo{}
	err := QueryRow(`
		SELECT dev_id, dev_type, manufacturer, model, oem,
			firmware_version, software_version, hardware_version,
			utc, large_objects, hierarchical_sync, number_of_changes
		FROM device_info WHERE adapter_id = ?`, adapterID,
	).Scan(&info.DevID, &info.DevType, &info.Manufacturer, &info.Model, &info.OEM,
		&info.FirmwareVersion, &info.SoftwareVersion, &info.HardwareVersion,
		&info.UTC, &info.LargeObjects, &info.HierarchicalSync, &info.NumberOfChanges)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("no device info for adapter %d", adapterID)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load device info", "adapterID", strconv.FormatInt(adapterID, 10))
	}
	return info, nil
}

// HasDeviceInfo reports whether devinfo has been recorded for an adapter
func HasDeviceInfo(adapterID int64) (bool, error) {
	var count int
	err := QueryRow("SELECT COUNT(*) FROM device_info WHERE adapter_id = ?",
		adapterID).Scan(&count)
	if err != nil {
		return false, serr.Wrap(err, "failed to check device info", "adapterID", strconv.FormatInt(adapterID, 10))
	}
	return count > 0, nil
}
