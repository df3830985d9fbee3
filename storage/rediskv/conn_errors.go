package rediskv

// connErrorStrings are lowercase substrings used to classify a Redis
// client error as connectivity-related. Operational errors like NOSCRIPT
// or WRONGTYPE are intentionally excluded: they should not trigger
// health-based failover, only a script reload.
var connErrorStrings = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"connection pool exhausted",
}
