package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Server is a managed machine reachable over SSH. Authentication uses a key
// file on the opsbot host; passwords are never stored.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	KeyPath   *string   `json:"keyPath,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateServerInput contains fields for registering a server
type CreateServerInput struct {
	Name     string
	Host     string
	Port     int
	Username string
	KeyPath  *string
	Tags     []string
}

// UpdateServerInput contains fields for updating a server
type UpdateServerInput struct {
	Name     *string  `json:"name,omitempty"`
	Host     *string  `json:"host,omitempty"`
	Port     *int     `json:"port,omitempty"`
	Username *string  `json:"username,omitempty"`
	KeyPath  *string  `json:"keyPath,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// CreateServer registers a new server
func (db *DB) CreateServer(input CreateServerInput) (*Server, error) {
	id := NewID()
	now := time.Now()

	port := input.Port
	if port == 0 {
		port = 22
	}

	tags, err := marshalTags(input.Tags)
	if err != nil {
		return nil, err
	}

	_, err = db.conn.Exec(`
		INSERT INTO servers (id, name, host, port, username, key_path, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, input.Name, input.Host, port, input.Username, NullString(input.KeyPath), tags, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert server: %w", err)
	}

	return db.GetServer(id)
}

// GetServer retrieves a server by ID
func (db *DB) GetServer(id string) (*Server, error) {
	row := db.conn.QueryRow(`
		SELECT id, name, host, port, username, key_path, tags, created_at, updated_at
		FROM servers WHERE id = ?
	`, id)

	s, err := scanServer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetServerByName retrieves a server by its unique name
func (db *DB) GetServerByName(name string) (*Server, error) {
	row := db.conn.QueryRow(`
		SELECT id, name, host, port, username, key_path, tags, created_at, updated_at
		FROM servers WHERE name = ?
	`, name)

	s, err := scanServer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListServers returns all registered servers ordered by name
func (db *DB) ListServers() ([]*Server, error) {
	rows, err := db.conn.Query(`
		SELECT id, name, host, port, username, key_path, tags, created_at, updated_at
		FROM servers ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	servers := make([]*Server, 0)
	for rows.Next() {
		s, err := scanServer(rows.Scan)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	return servers, rows.Err()
}

// UpdateServer updates a server
func (db *DB) UpdateServer(id string, input UpdateServerInput) (*Server, error) {
	query := "UPDATE servers SET updated_at = ?"
	args := []any{time.Now()}

	if input.Name != nil {
		query += ", name = ?"
		args = append(args, *input.Name)
	}
	if input.Host != nil {
		query += ", host = ?"
		args = append(args, *input.Host)
	}
	if input.Port != nil {
		query += ", port = ?"
		args = append(args, *input.Port)
	}
	if input.Username != nil {
		query += ", username = ?"
		args = append(args, *input.Username)
	}
	if input.KeyPath != nil {
		query += ", key_path = ?"
		args = append(args, *input.KeyPath)
	}
	if input.Tags != nil {
		tags, err := marshalTags(input.Tags)
		if err != nil {
			return nil, err
		}
		query += ", tags = ?"
		args = append(args, tags)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update server: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return db.GetServer(id)
}

// DeleteServer removes a server
func (db *DB) DeleteServer(id string) error {
	result, err := db.conn.Exec("DELETE FROM servers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func marshalTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal tags: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanServer(scan scanFunc) (*Server, error) {
	var s Server
	var keyPath, tags sql.NullString

	err := scan(&s.ID, &s.Name, &s.Host, &s.Port, &s.Username, &keyPath, &tags, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.KeyPath = StringPtr(keyPath)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &s.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal server tags: %w", err)
		}
	}

	return &s, nil
}
