// Package all registers every warehouse backend with the storage factory.
// Commands blank-import it; config selects which backend to use at runtime.
package all

import (
	// SQL Server driver registration for the mssql backend.
	_ "github.com/microsoft/go-mssqldb"

	_ "ingest/internal/storage/mssql"
	_ "ingest/internal/storage/postgres"
	_ "ingest/internal/storage/sqlite"
)
