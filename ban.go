package repnet

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
)

var ErrInvalidAddress = errors.New("invalid ip address format")

// BanHost returns the part of addr the ban list is keyed by
func BanHost(addr net.Addr) string {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}

	return host
}

// Ban adds an ip address to the ban list
func (s *Store) Ban(addr, reason string) error {
	if net.ParseIP(addr) == nil {
		return fmt.Errorf("%s: %w", addr, ErrInvalidAddress)
	}

	banned, _, err := s.IsBanned(addr)
	if err != nil {
		return err
	}

	if banned {
		return fmt.Errorf("ip address %s is already banned", addr)
	}

	if reason == "" {
		reason = "Banned."
	}

	_, err = s.db.Exec(s.rebind(`INSERT INTO ban (
		addr,
		reason
	) VALUES (
		?,
		?
	);`), addr, reason)
	return err
}

// Unban removes an ip address from the ban list
func (s *Store) Unban(addr string) error {
	_, err := s.db.Exec(s.rebind(`DELETE FROM ban WHERE addr = ?;`), addr)
	return err
}

// IsBanned reports whether an ip address is banned and why
func (s *Store) IsBanned(addr string) (bool, string, error) {
	var reason string
	err := s.db.QueryRow(s.rebind(`SELECT reason FROM ban WHERE addr = ?;`), addr).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}

	return true, reason, nil
}

// BanList returns the banned ip addresses and their reasons
func (s *Store) BanList() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT addr, reason FROM ban;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r := make(map[string]string)
	for rows.Next() {
		var addr, reason string
		if err := rows.Scan(&addr, &reason); err != nil {
			return nil, err
		}

		r[addr] = reason
	}

	return r, rows.Err()
}
