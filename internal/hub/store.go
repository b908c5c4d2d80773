package hub

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

// Store persists registered-node records so the hub can recover its address
// assignments and liveness history across restarts. Schema adapted from the
// teacher's storage.Device table (unique id, type, firmware version, name,
// first/last seen, registered flag) to NodeInfo's fields.
type Store struct {
	conn *sql.DB
}

// OpenStore opens or creates the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("hub store: open: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		device_id INTEGER PRIMARY KEY,
		address INTEGER UNIQUE NOT NULL,
		node_type INTEGER NOT NULL,
		capabilities INTEGER NOT NULL,
		firmware_version INTEGER NOT NULL,
		device_name TEXT,
		registration_time DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		is_active INTEGER DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_address ON nodes(address);

	CREATE TABLE IF NOT EXISTS node_link_stats (
		address INTEGER PRIMARY KEY,
		messages_received INTEGER DEFAULT 0,
		acks_sent INTEGER DEFAULT 0,
		acks_received INTEGER DEFAULT 0,
		crc_errors INTEGER DEFAULT 0,
		invalid_messages INTEGER DEFAULT 0,
		link_quality INTEGER DEFAULT 0,
		link_quality_changes INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (address) REFERENCES nodes(address)
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// UpsertNode persists a registration or refreshes an existing one's mutable
// fields, mirroring AddressManager.RegisterNode's update-in-place semantics.
func (s *Store) UpsertNode(n NodeInfo) error {
	query := `
		INSERT INTO nodes (device_id, address, node_type, capabilities, firmware_version,
			device_name, registration_time, last_seen, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			node_type = excluded.node_type,
			capabilities = excluded.capabilities,
			firmware_version = excluded.firmware_version,
			device_name = excluded.device_name,
			last_seen = excluded.last_seen,
			is_active = excluded.is_active
	`
	_, err := s.conn.Exec(query, n.DeviceID, n.Address, n.NodeType, n.Capabilities,
		n.FirmwareVersion, n.DeviceName, n.RegistrationTime, n.LastSeen, n.IsActive)
	return err
}

// DeleteNode removes a node's persisted record, mirroring UnregisterNode.
func (s *Store) DeleteNode(address protocol.Address) error {
	_, err := s.conn.Exec(`DELETE FROM node_link_stats WHERE address = ?`, address)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`DELETE FROM nodes WHERE address = ?`, address)
	return err
}

// LoadNodes returns every persisted node record, keyed by address, so the
// caller can rebuild an AddressManager's in-memory state on startup.
func (s *Store) LoadNodes() (map[protocol.Address]NodeInfo, error) {
	rows, err := s.conn.Query(`SELECT device_id, address, node_type, capabilities,
		firmware_version, device_name, registration_time, last_seen, is_active FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[protocol.Address]NodeInfo)
	for rows.Next() {
		var n NodeInfo
		var name sql.NullString
		if err := rows.Scan(&n.DeviceID, &n.Address, &n.NodeType, &n.Capabilities,
			&n.FirmwareVersion, &name, &n.RegistrationTime, &n.LastSeen, &n.IsActive); err != nil {
			return nil, err
		}
		n.DeviceName = name.String
		out[n.Address] = n
	}
	return out, rows.Err()
}

// Restore rebuilds am's in-memory maps and address cursor from the store,
// for use once at hub startup.
func (s *Store) Restore(am *AddressManager) error {
	nodes, err := s.LoadNodes()
	if err != nil {
		return err
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	for addr, n := range nodes {
		node := n
		am.byAddress[addr] = &node
		am.byDevice[n.DeviceID] = addr
		if addr >= am.nextAddr {
			am.nextAddr = addr + 1
		}
	}
	return nil
}

// SaveLinkStats persists a node's aggregate link-quality counters.
func (s *Store) SaveLinkStats(address protocol.Address, stats NodeStatisticsSnapshot, now time.Time) error {
	query := `
		INSERT INTO node_link_stats (address, messages_received, acks_sent, acks_received,
			crc_errors, invalid_messages, link_quality, link_quality_changes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			messages_received = excluded.messages_received,
			acks_sent = excluded.acks_sent,
			acks_received = excluded.acks_received,
			crc_errors = excluded.crc_errors,
			invalid_messages = excluded.invalid_messages,
			link_quality = excluded.link_quality,
			link_quality_changes = excluded.link_quality_changes,
			updated_at = excluded.updated_at
	`
	_, err := s.conn.Exec(query, address, stats.MessagesReceived, stats.AcksSent,
		stats.AcksReceived, stats.CRCErrors, stats.InvalidMessages, stats.LinkQuality,
		stats.LinkQualityChanges, now)
	return err
}

// NodeStatisticsSnapshot is the subset of netstats.NodeStatistics the store
// persists; kept separate from netstats.NodeStatistics so this package does
// not need to depend on netstats's RollingStats internals for persistence.
type NodeStatisticsSnapshot struct {
	MessagesReceived   uint32
	AcksSent           uint32
	AcksReceived       uint32
	CRCErrors          uint32
	InvalidMessages    uint32
	LinkQuality        int
	LinkQualityChanges uint32
}
