// Package discovery lists the site users CloudPanel manages, straight
// from its SQLite database. The database is only ever opened read-only;
// CloudPanel stays the owner of its own data.
package discovery

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDatabasePath is where a stock CloudPanel install keeps its
// database.
const DefaultDatabasePath = "/home/clp/htdocs/app/data/db.sq3"

// SiteUsers returns the distinct site users recorded in the CloudPanel
// database at path, sorted by name. Rows without a usable user value are
// skipped.
func SiteUsers(ctx context.Context, path string) ([]string, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open cloudpanel database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT user FROM site WHERE user IS NOT NULL AND TRIM(user) != '' ORDER BY user`)
	if err != nil {
		return nil, fmt.Errorf("query site users in %s: %w", path, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan site user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read site users: %w", err)
	}
	return users, nil
}
