package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/ispflash/internal/serialmux"
)

// SerialProfile is a named port and line setting, so a programmer fixture
// can be selected by name instead of repeating flags.
type SerialProfile struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PortPath    string `json:"port_path"`
	BaudRate    int    `json:"baud_rate"`
	DataBits    int    `json:"data_bits"`
	StopBits    int    `json:"stop_bits"`
	Parity      string `json:"parity"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Options returns the profile's line settings.
func (p *SerialProfile) Options() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		StopBits: p.StopBits,
		Parity:   p.Parity,
	}
}

// normalise fills defaults and rejects settings the port cannot use.
func (p *SerialProfile) normalise() error {
	if p.Name == "" {
		return fmt.Errorf("serial profile name is required")
	}
	if p.PortPath == "" {
		return fmt.Errorf("serial profile %q has no port path", p.Name)
	}
	opts, err := p.Options().Normalise()
	if err != nil {
		return fmt.Errorf("serial profile %q: %w", p.Name, err)
	}
	p.BaudRate, p.DataBits, p.StopBits, p.Parity = opts.BaudRate, opts.DataBits, opts.StopBits, opts.Parity
	return nil
}

const profileColumns = `id, name, port_path, baud_rate, data_bits, stop_bits, parity, description, created_at, updated_at`

func scanProfile(row rowScanner) (SerialProfile, error) {
	var p SerialProfile
	err := row.Scan(&p.ID, &p.Name, &p.PortPath, &p.BaudRate, &p.DataBits, &p.StopBits,
		&p.Parity, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetSerialProfiles returns all profiles ordered by name.
func (db *DB) GetSerialProfiles() ([]SerialProfile, error) {
	rows, err := db.Query(`SELECT ` + profileColumns + ` FROM serial_profiles ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query serial profiles: %w", err)
	}
	defer rows.Close()

	var profiles []SerialProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan serial profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// GetSerialProfile returns a profile by id, or nil if there is none.
func (db *DB) GetSerialProfile(id int) (*SerialProfile, error) {
	p, err := scanProfile(db.QueryRow(`SELECT `+profileColumns+` FROM serial_profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get serial profile: %w", err)
	}
	return &p, nil
}

// GetSerialProfileByName returns a profile by name, or nil if there is none.
func (db *DB) GetSerialProfileByName(name string) (*SerialProfile, error) {
	p, err := scanProfile(db.QueryRow(`SELECT `+profileColumns+` FROM serial_profiles WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get serial profile: %w", err)
	}
	return &p, nil
}

// CreateSerialProfile inserts p and sets its ID.
func (db *DB) CreateSerialProfile(p *SerialProfile) error {
	if err := p.normalise(); err != nil {
		return err
	}
	result, err := db.Exec(
		`INSERT INTO serial_profiles (name, port_path, baud_rate, data_bits, stop_bits, parity, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.PortPath, p.BaudRate, p.DataBits, p.StopBits, p.Parity, p.Description)
	if err != nil {
		return fmt.Errorf("failed to create serial profile: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	p.ID = int(id)
	return nil
}

// UpdateSerialProfile overwrites the profile with p.ID.
func (db *DB) UpdateSerialProfile(p *SerialProfile) error {
	if err := p.normalise(); err != nil {
		return err
	}
	result, err := db.Exec(
		`UPDATE serial_profiles
		 SET name = ?, port_path = ?, baud_rate = ?, data_bits = ?, stop_bits = ?, parity = ?, description = ?
		 WHERE id = ?`,
		p.Name, p.PortPath, p.BaudRate, p.DataBits, p.StopBits, p.Parity, p.Description, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update serial profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("serial profile with ID %d not found", p.ID)
	}
	return nil
}

// DeleteSerialProfile removes the profile with id.
func (db *DB) DeleteSerialProfile(id int) error {
	result, err := db.Exec(`DELETE FROM serial_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete serial profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("serial profile with ID %d not found", id)
	}
	return nil
}
