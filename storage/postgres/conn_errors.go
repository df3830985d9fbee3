package postgres

// connErrorStrings are lowercase substrings used to classify a Postgres
// driver error as connectivity-related rather than operational (e.g. a
// constraint violation or bad SQL). Users may override these via
// Config.ConnErrorStrings.
var connErrorStrings = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"pool exhausted",
	"too many connections",
	"terminating connection",
}
