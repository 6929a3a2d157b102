// Package database implements the site database engines used by provisioning runs.
//
// The mysql engine talks to the server through go-sql-driver/mysql and shells out to
// mysqldump and mysql for dump and load. The sqlite engine treats the database name as
// a file path. Both store persistent variables PHP-serialized in the site's
// {prefix}variable table.
package database
