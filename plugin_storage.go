package repnet

import (
	"database/sql"
	"errors"
)

// SetPluginValue stores a plugin key, an empty value deletes it
func (s *Store) SetPluginValue(key, value string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.rebind(`DELETE FROM plugin_storage WHERE key = ?;`), key); err != nil {
		return err
	}

	if value != "" {
		if _, err := tx.Exec(s.rebind(`INSERT INTO plugin_storage (
			key,
			value
		) VALUES (
			?,
			?
		);`), key, value); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// PluginValue reads a plugin key, missing keys return ""
func (s *Store) PluginValue(key string) (string, error) {
	var r string
	err := s.db.QueryRow(s.rebind(`SELECT value FROM plugin_storage WHERE key = ?;`), key).Scan(&r)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	return r, nil
}
