// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package certmanager

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DefaultQuery selects the brand domains with their web certificate. Each row
// must have the columns: domain, default, certificate PEM, key PEM.
const DefaultQuery = `SELECT b.domain, b."default", k.certificate_data, k.key_data
FROM authentik_brands_brand b
JOIN authentik_crypto_certificatekeypair k ON b.web_certificate_id = k.kp_uuid`

// SQLStore reads bindings from the brand database.
type SQLStore struct {
	db     *sql.DB
	query  string
	logger func(string, ...any)
}

// OpenSQLStore opens the database identified by dsn. The driver is selected
// from the DSN: postgres:// and postgresql:// use pgx, sqlite:// and file:
// use sqlite. An empty query means DefaultQuery.
func OpenSQLStore(dsn, query string, logger func(string, ...any)) (*SQLStore, error) {
	driver, name, err := driverFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, name)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(%s): %w", driver, err)
	}
	return NewSQLStore(db, query, logger), nil
}

// NewSQLStore returns a store that uses an already opened database.
func NewSQLStore(db *sql.DB, query string, logger func(string, ...any)) *SQLStore {
	if query == "" {
		query = DefaultQuery
	}
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &SQLStore{db: db, query: query, logger: logger}
}

func driverFor(dsn string) (string, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"):
		return "sqlite", dsn, nil
	}
	return "", "", fmt.Errorf("unsupported database %q", redact(dsn))
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Bindings implements Store. Rows with an invalid key pair are logged and
// skipped.
func (s *SQLStore) Bindings(ctx context.Context) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var domain string
		var def bool
		var certPEM, keyPEM sql.NullString
		if err := rows.Scan(&domain, &def, &certPEM, &keyPEM); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		c, err := ParseKeyPair([]byte(certPEM.String), []byte(keyPEM.String))
		if err != nil {
			s.logger("WRN Brand %q: %v", domain, err)
			continue
		}
		out = append(out, Binding{Domain: domain, Default: def, Certificate: c})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// StaticBinding is a binding from the configuration file. Certificate and Key
// are either PEM data or file names.
type StaticBinding struct {
	Domain      string
	Default     bool
	Certificate string
	Key         string
}

// StaticStore serves bindings from the configuration. Files are re-read on
// every call.
type StaticStore struct {
	Entries []StaticBinding
}

// Bindings implements Store.
func (s *StaticStore) Bindings(context.Context) ([]Binding, error) {
	var out []Binding
	for i, e := range s.Entries {
		certPEM, err := pemOrFile(e.Certificate)
		if err != nil {
			return nil, fmt.Errorf("static[%d].certificate: %w", i, err)
		}
		keyPEM, err := pemOrFile(e.Key)
		if err != nil {
			return nil, fmt.Errorf("static[%d].key: %w", i, err)
		}
		c, err := ParseKeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("static[%d]: %w", i, err)
		}
		out = append(out, Binding{Domain: e.Domain, Default: e.Default, Certificate: c})
	}
	return out, nil
}

func pemOrFile(v string) ([]byte, error) {
	if strings.Contains(v, "-----BEGIN ") {
		return []byte(v), nil
	}
	return os.ReadFile(v)
}
