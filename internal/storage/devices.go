package storage

import (
	"context"
	"fmt"

	"indicator-alerts/internal/alert"
)

const (
	listDevicesByOwnerSQL = `SELECT
        device_id,
        owner_id,
        push_token,
        platform,
        last_active_at
    FROM device_bindings
    WHERE owner_id = $1
    ORDER BY last_active_at DESC;`

	deleteDeviceSQL        = `DELETE FROM device_bindings WHERE device_id = $1;`
	countDevicesByOwnerSQL = `SELECT COUNT(*) FROM device_bindings WHERE owner_id = $1;`

	purgeOwnerEventsSQL  = `DELETE FROM alert_events WHERE rule_id IN (SELECT id FROM alert_rules WHERE owner_id = $1);`
	purgeOwnerStateSQL   = `DELETE FROM alert_state  WHERE rule_id IN (SELECT id FROM alert_rules WHERE owner_id = $1);`
	purgeOwnerRulesSQL   = `DELETE FROM alert_rules WHERE owner_id = $1;`
	purgeOwnerDevicesSQL = `DELETE FROM device_bindings WHERE owner_id = $1;`
)

// ListDevicesByOwner resolves delivery targets for one owner.
func (s *Store) ListDevicesByOwner(ctx context.Context, ownerID string) ([]alert.DeviceBinding, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDevicesByOwnerSQL, ownerID)
	if queryErr != nil {
		return nil, fmt.Errorf("list devices by owner: %w", queryErr)
	}
	defer rows.Close()

	bindings := make([]alert.DeviceBinding, 0)
	for rows.Next() {
		var b alert.DeviceBinding
		if err := rows.Scan(&b.DeviceID, &b.OwnerID, &b.PushToken, &b.Platform, &b.LastActive); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bindings, nil
}

// DeleteDevice removes a binding whose token turned permanently invalid.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteDeviceSQL, deviceID); execErr != nil {
		return fmt.Errorf("delete device: %w", execErr)
	}
	return nil
}

// CountDevicesByOwner counts an owner's remaining bindings.
func (s *Store) CountDevicesByOwner(ctx context.Context, ownerID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countDevicesByOwnerSQL, ownerID).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count devices by owner: %w", scanErr)
	}
	return count, nil
}

// PurgeOwner cascades deletion of an abandoned owner's events, state, rules,
// and bindings inside one transaction.
func (s *Store) PurgeOwner(ctx context.Context, ownerID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purge owner: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		purgeOwnerEventsSQL,
		purgeOwnerStateSQL,
		purgeOwnerRulesSQL,
		purgeOwnerDevicesSQL,
	} {
		if _, execErr := tx.Exec(ctx, stmt, ownerID); execErr != nil {
			return fmt.Errorf("purge owner %s: %w", ownerID, execErr)
		}
	}

	return tx.Commit(ctx)
}
