// Package all registers every storage backend and the SQL Server driver.
// Import it for side effects from the binary.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "redcapetl/internal/storage/mariadb"
	_ "redcapetl/internal/storage/mssql"
	_ "redcapetl/internal/storage/postgres"
	_ "redcapetl/internal/storage/sqlite"
)
