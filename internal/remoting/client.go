package remoting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/danmuck/sourceagent/internal/protocol"
	"github.com/danmuck/sourceagent/internal/protocol/frame"
	"github.com/danmuck/sourceagent/internal/protocol/handshake"
)

var (
	ErrAddressRequired = errors.New("remoting: agent address required")
	ErrSourceRequired  = errors.New("remoting: data source required")
	ErrContextNotSet   = errors.New("remoting: the data source context must be set before invoking other methods")
	ErrMethodNotFound  = errors.New("remoting: unknown method")
	ErrClientClosed    = errors.New("remoting: client closed")
)

// Context is what the agent hands the source through setContext.
type Context struct {
	Type            string
	ResourceLocator string
	Configuration   map[string]string
}

// Logger forwards log lines to the agent.
type Logger interface {
	Log(level, message string)
}

// DataSource is implemented by plugin sources. Catalog values are encoded as
// JSON and passed through the agent untouched.
type DataSource interface {
	SetContext(ctx context.Context, c Context, logger Logger) error
	GetCatalogIDs(ctx context.Context) ([]string, error)
	GetCatalog(ctx context.Context, catalogID string) (any, error)
	GetTimeRange(ctx context.Context, catalogID string) (time.Time, time.Time, error)
	GetAvailability(ctx context.Context, catalogID string, begin, end time.Time) (float64, error)
	// ReadSingle must return exactly n samples of the source's fixed width.
	ReadSingle(ctx context.Context, path string, n int, begin, end time.Time) ([]byte, error)
}

type Config struct {
	Address            string
	ID                 handshake.CorrelationID
	APIVersion         int
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxConnectAttempts int
	MaxFrameBytes      uint32
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		APIVersion:    1,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  15 * time.Second,
		MaxFrameBytes: frame.DefaultLimits().MaxPayloadBytes,
		Backoff:       DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ID == (handshake.CorrelationID{}) {
		c.ID = handshake.NewCorrelationID()
	}
	if c.APIVersion <= 0 {
		c.APIVersion = d.APIVersion
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}

// Client is one connected plugin instance.
type Client struct {
	cfg    Config
	source DataSource
	limits frame.Limits
	rng    *rand.Rand

	comm net.Conn
	data net.Conn

	writeMu    sync.Mutex
	contextSet bool

	closeOnce sync.Once
	closeErr  error
}

// Dial opens the comm connection, then the data connection, each announced
// with the same correlation id.
func Dial(ctx context.Context, cfg Config, source DataSource) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if source == nil {
		return nil, ErrSourceRequired
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		source: source,
		limits: frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	comm, err := c.connect(ctx, handshake.RoleComm)
	if err != nil {
		return nil, err
	}
	data, err := c.connect(ctx, handshake.RoleData)
	if err != nil {
		_ = comm.Close()
		return nil, err
	}
	c.comm, c.data = comm, data
	log.Debug().Msgf("remoting.Dial connected addr=%q id=%q", cfg.Address, cfg.ID)
	return c, nil
}

func (c *Client) ID() handshake.CorrelationID {
	return c.cfg.ID
}

func (c *Client) connect(ctx context.Context, role handshake.Role) (net.Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dialOnce(ctx, role)
		if err == nil {
			return conn, nil
		}
		log.Warn().Err(err).Msgf("remoting.Client dial attempt=%d addr=%q role=%s", attempt, c.cfg.Address, role)
		if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
			return nil, err
		}
		timer := time.NewTimer(c.cfg.Backoff.Delay(attempt, c.rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) dialOnce(ctx context.Context, role handshake.Role) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := handshake.Write(conn, c.cfg.ID, role); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// Serve answers agent requests until the agent disconnects or ctx ends.
func (c *Client) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		payload, err := frame.ReadFrame(c.comm, c.limits)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return ErrClientClosed
			}
			return err
		}
		msg, kind, err := protocol.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Msg("remoting.Client.Serve dropped malformed message")
			continue
		}
		if kind != protocol.KindRequest {
			log.Debug().Msgf("remoting.Client.Serve ignored %s", kind)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// Close closes both connections.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = multierr.Combine(closeConn(c.comm), closeConn(c.data))
	})
	return c.closeErr
}

// Log sends a log notification to the agent. Failures are logged locally.
func (c *Client) Log(level, message string) {
	msg, err := protocol.NewLogNotification(level, message)
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		log.Debug().Err(err).Msg("remoting.Client.Log send failed")
	}
}

func (c *Client) handle(ctx context.Context, req protocol.Message) error {
	id := *req.ID
	result, data, err := c.invoke(ctx, req)

	var reply protocol.Message
	if err != nil {
		reply = protocol.NewErrorResponse(id, errorCode(err), err.Error())
		data = nil
	} else if reply, err = protocol.NewResultResponse(id, result); err != nil {
		reply = protocol.NewErrorResponse(id, protocol.CodeInternalError, err.Error())
		data = nil
	}
	if err := c.send(reply); err != nil {
		return fmt.Errorf("remoting: send %s reply: %w", req.Method, err)
	}
	if len(data) > 0 {
		_ = c.data.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if _, err := c.data.Write(data); err != nil {
			return fmt.Errorf("remoting: write %s data: %w", req.Method, err)
		}
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, req protocol.Message) (any, []byte, error) {
	if req.Method == protocol.MethodGetAPIVersion {
		return protocol.APIVersionResult{APIVersion: c.cfg.APIVersion}, nil, nil
	}
	if req.Method == protocol.MethodSetContext {
		var (
			typ    string
			params protocol.ContextParams
		)
		if err := protocol.DecodeParams(req.Params, &typ, &params); err != nil {
			return nil, nil, err
		}
		sc := Context{Type: typ, ResourceLocator: params.ResourceLocator, Configuration: params.SourceConfiguration}
		if err := c.source.SetContext(ctx, sc, c); err != nil {
			return nil, nil, err
		}
		c.contextSet = true
		return nil, nil, nil
	}
	if !c.contextSet {
		switch req.Method {
		case protocol.MethodGetCatalogIDs, protocol.MethodGetCatalog, protocol.MethodGetTimeRange,
			protocol.MethodGetAvailability, protocol.MethodReadSingle:
			return nil, nil, ErrContextNotSet
		}
	}

	switch req.Method {
	case protocol.MethodGetCatalogIDs:
		ids, err := c.source.GetCatalogIDs(ctx)
		if err != nil {
			return nil, nil, err
		}
		return protocol.CatalogIDsResult{CatalogIDs: ids}, nil, nil

	case protocol.MethodGetCatalog:
		var catalogID string
		if err := protocol.DecodeParams(req.Params, &catalogID); err != nil {
			return nil, nil, err
		}
		catalog, err := c.source.GetCatalog(ctx, catalogID)
		if err != nil {
			return nil, nil, err
		}
		raw, err := json.Marshal(catalog)
		if err != nil {
			return nil, nil, err
		}
		return protocol.CatalogResult{Catalog: raw}, nil, nil

	case protocol.MethodGetTimeRange:
		var catalogID string
		if err := protocol.DecodeParams(req.Params, &catalogID); err != nil {
			return nil, nil, err
		}
		begin, end, err := c.source.GetTimeRange(ctx, catalogID)
		if err != nil {
			return nil, nil, err
		}
		return protocol.TimeRangeResult{Begin: protocol.FormatTime(begin), End: protocol.FormatTime(end)}, nil, nil

	case protocol.MethodGetAvailability:
		var catalogID, rawBegin, rawEnd string
		if err := protocol.DecodeParams(req.Params, &catalogID, &rawBegin, &rawEnd); err != nil {
			return nil, nil, err
		}
		begin, end, err := parseInterval(rawBegin, rawEnd)
		if err != nil {
			return nil, nil, err
		}
		availability, err := c.source.GetAvailability(ctx, catalogID, begin, end)
		if err != nil {
			return nil, nil, err
		}
		return protocol.AvailabilityResult{Availability: availability}, nil, nil

	case protocol.MethodReadSingle:
		var (
			path             string
			n                int
			rawBegin, rawEnd string
		)
		if err := protocol.DecodeParams(req.Params, &path, &n, &rawBegin, &rawEnd); err != nil {
			return nil, nil, err
		}
		begin, end, err := parseInterval(rawBegin, rawEnd)
		if err != nil {
			return nil, nil, err
		}
		buf, err := c.source.ReadSingle(ctx, path, n, begin, end)
		if err != nil {
			return nil, nil, err
		}
		return nil, buf, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrMethodNotFound, req.Method)
	}
}

func (c *Client) send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.comm.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return frame.WriteFrame(c.comm, payload, c.limits)
}

func parseInterval(rawBegin, rawEnd string) (time.Time, time.Time, error) {
	begin, err := protocol.ParseTime(rawBegin)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := protocol.ParseTime(rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return begin, end, nil
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return protocol.CodeMethodNotFound
	case errors.Is(err, protocol.ErrInvalidParams), errors.Is(err, protocol.ErrInvalidTime):
		return protocol.CodeInvalidParams
	default:
		return protocol.CodeServerFailure
	}
}

func closeConn(conn net.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
