package database

import (
	"context"
)

// UpsertServiceStatus records a heartbeat for one service instance.
func (db *DB) UpsertServiceStatus(ctx context.Context, serviceName, instanceID string, statusJSON []byte) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO service_status (service_name, instance_id, last_heartbeat, status_json)
		 VALUES ($1, $2, now(), $3)
		 ON CONFLICT (service_name, instance_id) DO UPDATE SET
			last_heartbeat = now(),
			status_json = EXCLUDED.status_json`,
		serviceName, instanceID, statusJSON)
	return err
}

// ListServiceStatus returns every known heartbeat row.
func (db *DB) ListServiceStatus(ctx context.Context) ([]ServiceStatus, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT service_name, instance_id, last_heartbeat, status_json
		 FROM service_status
		 ORDER BY service_name, instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceStatus
	for rows.Next() {
		var s ServiceStatus
		if err := rows.Scan(&s.ServiceName, &s.InstanceID, &s.LastHeartbeat, &s.StatusJSON); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
