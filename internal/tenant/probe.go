package tenant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const defaultProbeTimeout = 10 * time.Second

// Profile is a plaintext set of ERP database coordinates to validate.
type Profile struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	Options     string
	MarkerTable string
}

// TestResult reports the outcome of a connection probe.
type TestResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Details *TestDetails `json:"details,omitempty"`
}

// TestDetails describes the database reached by a successful probe.
type TestDetails struct {
	ServerVersion  string `json:"serverVersion"`
	Database       string `json:"database"`
	TestTableFound bool   `json:"testTableFound"`
}

// ProbeFunc opens a short-lived connection described by a profile, inspects
// it and closes it.
type ProbeFunc func(ctx context.Context, p Profile) TestResult

// PgxProbe connects with pgx, reads the server version and current database
// and checks for the marker table.
func PgxProbe(ctx context.Context, p Profile) TestResult {
	if p.Host == "" || p.Database == "" || p.Username == "" {
		return TestResult{Success: false, Message: "host, database and username are required"}
	}

	cfg, err := pgx.ParseConfig(p.dsn())
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("invalid connection options: %v", err)}
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+defaultProbeTimeout)
	defer cancel()

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer conn.Close(context.Background())

	var d TestDetails
	if err := conn.QueryRow(ctx, `SELECT current_setting('server_version'), current_database()`).
		Scan(&d.ServerVersion, &d.Database); err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("server inspection failed: %v", err)}
	}

	if p.MarkerTable != "" {
		if err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE upper(table_name) = upper($1))`,
			p.MarkerTable).Scan(&d.TestTableFound); err != nil {
			return TestResult{Success: false, Message: fmt.Sprintf("marker table lookup failed: %v", err)}
		}
	}

	msg := "connection successful"
	if p.MarkerTable != "" && !d.TestTableFound {
		msg = fmt.Sprintf("connection successful, table %s not found", p.MarkerTable)
	}
	return TestResult{Success: true, Message: msg, Details: &d}
}

// dsn renders the profile as a keyword/value connection string. Options are
// appended last, so they win over the structured fields.
func (p Profile) dsn() string {
	port := p.Port
	if port == 0 {
		port = 5432
	}
	parts := []string{
		"host=" + dsnQuote(p.Host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + dsnQuote(p.Database),
		"user=" + dsnQuote(p.Username),
		"password=" + dsnQuote(p.Password),
	}
	if opts := strings.TrimSpace(p.Options); opts != "" {
		parts = append(parts, opts)
	}
	return strings.Join(parts, " ")
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func dsnQuote(v string) string {
	return "'" + dsnEscaper.Replace(v) + "'"
}
