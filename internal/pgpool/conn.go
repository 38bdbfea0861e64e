package pgpool

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// State mirrors AsyncPostgresConnection's State enum exactly, generalized
// from its RESULT-singular FLUSHING/READING_RESULT suffix to the pool's
// every-job-goes-through-this-sequence framing.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSending
	StateFlushing
	StateReading
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSending:
		return "SENDING"
	case StateFlushing:
		return "FLUSHING"
	case StateReading:
		return "READING"
	default:
		return "UNKNOWN"
	}
}

// Row is one decoded result row keyed by column name.
type Row map[string]any

// queryJob is one queued unit of work for a connection's goroutine.
type queryJob struct {
	ctx           context.Context
	query         string
	params        []string
	expectResults bool
	onSuccess     func(rows []Row)
	onError       func(error)
	onDone        func()
}

// Conn is a single PostgreSQL connection driven entirely by its own
// goroutine, communicating with callers only through queryJob values sent on
// jobs. Grounded on AsyncPostgresConnection's one-PGconn-per-object design,
// generalized from a hand-rolled non-blocking reactor integration to a
// dedicated goroutine since Go's net.Conn blocking I/O already parks on the
// runtime netpoller without stalling any other connection.
type Conn struct {
	cfg Config

	mu    sync.Mutex
	state State

	jobs chan queryJob
	quit chan struct{}
	done chan struct{}
}

// NewConn returns a Conn that has not yet connected; call Start to begin its
// goroutine and dial the server.
func NewConn(cfg Config) *Conn {
	return &Conn{
		cfg:   cfg,
		state: StateDisconnected,
		jobs:  make(chan queryJob, 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start dials the server and runs the connection's goroutine until Close is
// called. It blocks until the initial connect attempt (including Postgres
// authentication) completes, returning its error if any.
func (c *Conn) Start(ctx context.Context) error {
	c.setState(StateConnecting)
	nc, frontend, err := dialAndAuthenticate(ctx, c.cfg)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateConnected)
	go c.run(nc, frontend)
	return nil
}

// Submit enqueues a query for this connection: the job is handed to the
// connection's own goroutine over a buffered channel, as
// AsyncPostgresConnection queues a QueryContext when busy. It blocks the
// caller while that channel's buffer is full.
func (c *Conn) Submit(ctx context.Context, query string, params []string, expectResults bool, onSuccess func([]Row), onError func(error), onDone func()) {
	select {
	case c.jobs <- queryJob{ctx: ctx, query: query, params: params, expectResults: expectResults, onSuccess: onSuccess, onError: onError, onDone: onDone}:
	case <-c.quit:
		if onError != nil {
			onError(fmt.Errorf("pgpool: connection closed"))
		}
	}
}

// Close stops the connection's goroutine and releases its socket.
func (c *Conn) Close() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	<-c.done
}

func (c *Conn) run(nc net.Conn, frontend *pgproto3.Frontend) {
	defer close(c.done)
	defer nc.Close()

	for {
		select {
		case <-c.quit:
			return
		case job := <-c.jobs:
			c.runJob(nc, frontend, job)
		}
	}
}

func (c *Conn) runJob(nc net.Conn, frontend *pgproto3.Frontend, job queryJob) {
	c.setState(StateSending)

	frontend.Send(&pgproto3.Parse{Query: job.query})
	binParams := make([][]byte, len(job.params))
	for i, p := range job.params {
		binParams[i] = []byte(p)
	}
	frontend.Send(&pgproto3.Bind{ParameterFormatCodes: []int16{}, Parameters: binParams, ResultFormatCodes: []int16{}})
	frontend.Send(&pgproto3.Describe{ObjectType: 'P'})
	frontend.Send(&pgproto3.Execute{})
	frontend.Send(&pgproto3.Sync{})

	c.setState(StateFlushing)
	if err := frontend.Flush(); err != nil {
		c.reportError(job, err)
		return
	}

	c.setState(StateReading)
	rows, err := readQueryResults(frontend)
	c.setState(StateConnected)

	if err != nil {
		c.reportError(job, err)
		return
	}
	if job.onSuccess != nil {
		job.onSuccess(rows)
	}
	if job.onDone != nil {
		job.onDone()
	}
}

func (c *Conn) reportError(job queryJob, err error) {
	slog.Error("pgpool: query failed", "error", err)
	if job.onError != nil {
		job.onError(err)
	}
	if job.onDone != nil {
		job.onDone()
	}
}

func readQueryResults(frontend *pgproto3.Frontend) ([]Row, error) {
	var columns []string
	var rows []Row

	for {
		msg, err := frontend.Receive()
		if err != nil {
			return nil, fmt.Errorf("pgpool: receive: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ParseComplete, *pgproto3.BindComplete:
			// no-op, advancing the extended-query handshake
		case *pgproto3.RowDescription:
			columns = make([]string, len(m.Fields))
			for i, f := range m.Fields {
				columns[i] = string(f.Name)
			}
		case *pgproto3.NoData:
			// query returns no result set (e.g. an INSERT without RETURNING)
		case *pgproto3.DataRow:
			row := make(Row, len(columns))
			for i, col := range columns {
				if i < len(m.Values) {
					row[col] = decodeTextValue(m.Values[i])
				}
			}
			rows = append(rows, row)
		case *pgproto3.CommandComplete:
			// one statement finished; keep reading until ReadyForQuery
		case *pgproto3.ReadyForQuery:
			return rows, nil
		case *pgproto3.ErrorResponse:
			return nil, fmt.Errorf("pgpool: %s: %s", m.Code, m.Message)
		}
	}
}

// decodeTextValue decodes one text-format column value. nil represents SQL
// NULL; everything else is returned as its raw string form, left to the
// caller (internal/pgpool/ingest) to interpret per-column.
func decodeTextValue(v []byte) any {
	if v == nil {
		return nil
	}
	return string(v)
}

func dialAndAuthenticate(ctx context.Context, cfg Config) (net.Conn, *pgproto3.Frontend, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Hostaddr, cfg.Port)
	d := net.Dialer{Timeout: 10 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("pgpool: dial %s: %w", addr, err)
	}

	frontend := pgproto3.NewFrontend(nc, nc)
	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     cfg.Username,
			"database": cfg.Database,
		},
	})
	if err := frontend.Flush(); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("pgpool: send startup message: %w", err)
	}

	for {
		msg, err := frontend.Receive()
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("pgpool: receive during startup: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			// continue until ReadyForQuery
		case *pgproto3.AuthenticationCleartextPassword:
			frontend.Send(&pgproto3.PasswordMessage{Password: cfg.Password})
			if err := frontend.Flush(); err != nil {
				nc.Close()
				return nil, nil, fmt.Errorf("pgpool: send cleartext password: %w", err)
			}
		case *pgproto3.AuthenticationMD5Password:
			frontend.Send(&pgproto3.PasswordMessage{Password: md5Password(cfg.Username, cfg.Password, m.Salt)})
			if err := frontend.Flush(); err != nil {
				nc.Close()
				return nil, nil, fmt.Errorf("pgpool: send md5 password: %w", err)
			}
		case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData:
			// informational; no action required
		case *pgproto3.ReadyForQuery:
			return nc, frontend, nil
		case *pgproto3.ErrorResponse:
			nc.Close()
			return nil, nil, fmt.Errorf("pgpool: %s: %s", m.Code, m.Message)
		}
	}
}

func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	withSalt := append([]byte(hex.EncodeToString(inner[:])), salt[:]...)
	outer := md5.Sum(withSalt)
	return "md5" + hex.EncodeToString(outer[:])
}
